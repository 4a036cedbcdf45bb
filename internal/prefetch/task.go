package prefetch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"prefetchd/internal/tier"
)

type ContentType string

const (
	WebPage      ContentType = "web_page"
	Image        ContentType = "image"
	Video        ContentType = "video"
	Script       ContentType = "script"
	APIData      ContentType = "api_data"
	SearchResult ContentType = "search_result"
)

func ParseContentType(s string) (ContentType, error) {
	switch ct := ContentType(strings.ToLower(strings.TrimSpace(s))); ct {
	case WebPage, Image, Video, Script, APIData, SearchResult:
		return ct, nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Task is one unit of prefetch work.
type Task struct {
	ID            string
	URL           string
	Title         string
	Type          ContentType
	Priority      tier.Tier // after resource adjustment
	Requested     tier.Tier // as submitted; Critical bypasses a closed gate
	Confidence    float64
	EstimatedSize int64 // set once the task has started
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	Status        Status
	Error         string
}

// Duration is the run time of a finished task.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// TaskID derives a stable id from url.
func TaskID(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}

// InferContentType classifies url by path patterns.
func InferContentType(url string) ContentType {
	u := strings.ToLower(url)
	switch {
	case strings.Contains(u, "search") || strings.Contains(u, "query"):
		return SearchResult
	case hasExt(u, ".jpg", ".jpeg", ".png", ".gif", ".webp"):
		return Image
	case hasExt(u, ".mp4", ".avi", ".mov", ".webm"):
		return Video
	case hasExt(u, ".js", ".css"):
		return Script
	case strings.Contains(u, "api/") || strings.Contains(u, "/api"):
		return APIData
	}
	return WebPage
}

// hasExt reports whether any of exts appears in u followed by the end of the
// string or a non-alphanumeric byte, so ".js" does not match ".json".
func hasExt(u string, exts ...string) bool {
	for _, ext := range exts {
		for i := 0; ; {
			j := strings.Index(u[i:], ext)
			if j < 0 {
				break
			}
			end := i + j + len(ext)
			if end == len(u) || !isAlnum(u[end]) {
				return true
			}
			i = end
		}
	}
	return false
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c >= 'A' && c <= 'Z'
}

const (
	pageEstimate   = 100 * 1024
	imageEstimate  = 500 * 1024
	videoEstimate  = 10 * 1024 * 1024
	scriptEstimate = 50 * 1024
	otherEstimate  = 200 * 1024

	// VideoPrefixLimit caps how much of a video is prefetched.
	VideoPrefixLimit = 5 * 1024 * 1024
)

// EstimateSize returns the expected transfer size for a content type.
func EstimateSize(t ContentType) int64 {
	switch t {
	case WebPage, SearchResult:
		return pageEstimate
	case Image:
		return imageEstimate
	case Video:
		return min(videoEstimate, VideoPrefixLimit)
	case Script, APIData:
		return scriptEstimate
	}
	return otherEstimate
}
