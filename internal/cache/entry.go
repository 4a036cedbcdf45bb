package cache

import (
	"fmt"
	"mime"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gabriel-vasile/mimetype"
)

// Entry describes one cached resource. The bytes live in Dir/FileName.
type Entry struct {
	URL         string
	Key         string
	FileName    string
	MIMEType    string
	Size        int64
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessCount int
	Permanent   bool
}

// Expired reports whether e is older than maxAge. Permanent entries never
// expire.
func (e *Entry) Expired(now time.Time, maxAge time.Duration) bool {
	return !e.Permanent && now.Sub(e.CreatedAt) > maxAge
}

// KeyFor returns the content key for url: the xxhash64 of the URL in hex.
func KeyFor(url string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(url))
}

// extensionFor maps a MIME type to a file extension, ".bin" when unknown.
func extensionFor(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ".bin"
	}
	if m := mimetype.Lookup(base); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func formatRate(r float64) string {
	return strconv.FormatFloat(r*100, 'f', 1, 64) + "%"
}
