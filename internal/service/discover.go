package service

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"prefetchd/internal/logger"
	"prefetchd/internal/prefetch"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverResult counts what one discovery pass did with the URLs it found.
type discoverResult struct {
	Found    int
	Admitted int
	Rejected int
}

func (s *Service) startDiscover() {
	d := s.cfg.Discover
	if len(d.Sitemaps) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if delay := d.InitialDelay.D(); delay > 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
			defer cancel()
			res, err := s.discoverOnce(ctx)
			if err != nil {
				logger.Warn("sitemap discovery failed", logger.KeyError, err)
			}
			logger.Info("sitemap discovery done", "found", res.Found, "admitted", res.Admitted, "rejected", res.Rejected)
		}

		runOnce()
		period := d.Every.D()
		if period <= 0 {
			return
		}
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// discoverOnce walks the configured sitemaps, following nested indexes, and
// submits every listed URL at the discovery priority until MaxURLs is reached.
// A sitemap that cannot be fetched is skipped; the others are still read.
func (s *Service) discoverOnce(ctx context.Context) (discoverResult, error) {
	var res discoverResult
	var errs []error

	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Discover.Sitemaps))
	for _, sm := range s.cfg.Discover.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.absoluteURL(sm))
		}
	}

	limit := s.cfg.Discover.MaxURLs
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("sitemap %q: %w", smURL, err))
			continue
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.absoluteURL(nested))
			}
		}

		for _, loc := range doc.URLs {
			if loc == "" {
				continue
			}
			if limit > 0 && res.Found >= limit {
				return res, errors.Join(errs...)
			}
			res.Found++
			u := s.absoluteURL(loc)
			if err := s.scheduler.Submit(u, "", prefetch.InferContentType(u), s.cfg.Discover.Priority); err != nil {
				res.Rejected++
				continue
			}
			res.Admitted++
		}
		logger.Debug("sitemap read", logger.KeyURL, smURL, logger.KeyCount, len(doc.URLs), "nested", len(doc.Sitemaps))
	}
	return res, errors.Join(errs...)
}

// absoluteURL resolves a path against the discovery origin. Absolute URLs
// are returned unchanged.
func (s *Service) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Discover.Origin + u
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz sitemap may already have been decoded by the transport, so only
	// trust the magic bytes.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, err
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return sitemapDoc{}, err
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
