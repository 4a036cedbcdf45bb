package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"prefetchd/internal/cache"
	"prefetchd/internal/logger"
	"prefetchd/internal/prefetch"
)

const userAgent = "prefetchd/1.0"

// fetch is the scheduler's FetchFunc. It downloads url and stores the body
// when the response allows caching. Videos are fetched as a ranged prefix.
func (s *Service) fetch(ctx context.Context, rawURL string, t prefetch.ContentType) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Sec-Purpose", "prefetch")

	limit := s.cfg.Cache.MaxItem.Int64()
	if t == prefetch.Video {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", prefetch.VideoPrefixLimit-1))
		limit = min(limit, prefetch.VideoPrefixLimit)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", err
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}
	mimeType := resp.Header.Get("Content-Type")
	s.traffic.Fetched(len(body))

	switch {
	case truncated && t != prefetch.Video:
		logger.Debug("prefetched body over item limit, not cached", logger.KeyURL, rawURL, logger.KeySize, limit)
	case !cacheable(resp):
		logger.Debug("prefetched response not cacheable", logger.KeyURL, rawURL,
			"cache_control", resp.Header.Get("Cache-Control"))
	default:
		switch err := s.cache.Put(rawURL, bytes.NewReader(body), mimeType); {
		case err == nil, errors.Is(err, cache.ErrDisabled):
		case errors.Is(err, cache.ErrEvicted):
			logger.Info("prefetched body not cached, no evictable space", logger.KeyURL, rawURL, logger.KeySize, len(body))
		default:
			logger.Warn("cache write failed", logger.KeyURL, rawURL, logger.KeyError, err)
		}
	}
	return body, mimeType, nil
}

func cacheable(resp *http.Response) bool {
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}
