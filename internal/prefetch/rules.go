package prefetch

import (
	"net/url"
	"strings"
	"time"
	"unicode"
)

// Candidate is what the rules score.
type Candidate struct {
	URL   string
	Host  string // lower-cased, without port and leading "www."
	Title string
	Type  ContentType
}

// Context carries the signals available at scoring time.
type Context struct {
	Now       time.Time
	Domains   []string
	LastQuery string
}

// Rule scores a candidate in [0,1]. Weight is relative; Confidence divides by
// the sum of weights.
type Rule struct {
	Name   string
	Weight float64
	Score  func(Candidate, Context) float64
}

// DefaultRules returns the domain-affinity, time-of-day and search-relevance
// rules with the given weights.
func DefaultRules(affinity, timeOfDay, search float64) []Rule {
	return []Rule{
		{Name: "domain_affinity", Weight: affinity, Score: domainAffinity},
		{Name: "time_of_day", Weight: timeOfDay, Score: timeOfDayScore},
		{Name: "search_relevance", Weight: search, Score: searchRelevance},
	}
}

// Confidence is the weighted average of the rule scores.
func Confidence(rules []Rule, c Candidate, ctx Context) float64 {
	var total, weights float64
	for _, r := range rules {
		if r.Weight <= 0 || r.Score == nil {
			continue
		}
		s := r.Score(c, ctx)
		if s < 0 {
			s = 0
		} else if s > 1 {
			s = 1
		}
		total += s * r.Weight
		weights += r.Weight
	}
	if weights == 0 {
		return 0
	}
	return total / weights
}

func domainAffinity(c Candidate, ctx Context) float64 {
	for _, d := range ctx.Domains {
		if c.Host == d || strings.HasSuffix(c.Host, "."+d) {
			return 0.8
		}
	}
	return 0.2
}

func timeOfDayScore(c Candidate, ctx Context) float64 {
	h := ctx.Now.Hour()
	if h < 19 {
		return 0.5
	}
	u := strings.ToLower(c.URL)
	if c.Type == Video || strings.Contains(u, "video") || strings.Contains(u, "entertainment") {
		return 0.7
	}
	return 0.3
}

func searchRelevance(c Candidate, ctx Context) float64 {
	if strings.TrimSpace(ctx.LastQuery) == "" {
		return 0.5
	}
	if similarity(c.URL, ctx.LastQuery) > 0.5 {
		return 0.9
	}
	return 0.4
}

// similarity is 0.8 when the lower-cased query occurs in the URL, otherwise
// the fraction of query tokens that also occur among the URL tokens.
func similarity(rawURL, query string) float64 {
	u := strings.ToLower(rawURL)
	if unq, err := url.QueryUnescape(u); err == nil {
		u = unq
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	if strings.Contains(u, q) {
		return 0.8
	}
	qt := tokens(q)
	if len(qt) == 0 {
		return 0
	}
	have := map[string]bool{}
	for _, t := range tokens(u) {
		have[t] = true
	}
	hit := 0
	for _, t := range qt {
		if have[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(qt))
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// hostOf returns the normalised host of an absolute http(s) URL, or "" when
// rawURL is not one.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
