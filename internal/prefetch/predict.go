package prefetch

import (
	"net/url"
	"strings"

	"prefetchd/internal/tier"
)

// Suggestion is a recommended URL with the recommender's own score.
type Suggestion struct {
	URL   string  `json:"url"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// Outcome is the admission result for one predicted URL. Err is nil when
// the URL was queued.
type Outcome struct {
	URL string
	Err error
}

// Predict submits each candidate with an inferred content type, high tier
// when its score exceeds 0.8 and medium otherwise. Each related query is
// turned into a search-result URL and submitted at medium tier.
func (s *Scheduler) Predict(candidates []Suggestion, related []string) []Outcome {
	out := make([]Outcome, 0, len(candidates)+len(related))
	for _, c := range candidates {
		prio := tier.Medium
		if c.Score > 0.8 {
			prio = tier.High
		}
		err := s.Submit(c.URL, c.Title, InferContentType(c.URL), prio)
		out = append(out, Outcome{URL: c.URL, Err: err})
	}
	if s.cfg.SearchURL == "" {
		return out
	}
	for _, q := range related {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		u := strings.Replace(s.cfg.SearchURL, "%s", url.QueryEscape(q), 1)
		err := s.Submit(u, q, SearchResult, tier.Medium)
		out = append(out, Outcome{URL: u, Err: err})
	}
	return out
}
