// Package signals holds the behavioural hints the confidence rules read:
// the hosts the user tends to visit and the most recent search query.
package signals

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"prefetchd/internal/logger"
)

// File is the on-disk form read by LoadFile.
type File struct {
	Domains   []string `yaml:"domains"`
	LastQuery string   `yaml:"lastQuery"`
}

// maxDomains bounds the affinity list; AddDomain drops the oldest entry
// beyond it.
const maxDomains = 256

type Store struct {
	mu        sync.RWMutex
	domains   []string
	lastQuery string
}

func New(domains []string, lastQuery string) *Store {
	s := &Store{}
	s.set(domains, lastQuery)
	return s
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	return strings.TrimPrefix(d, "www.")
}

func (s *Store) set(domains []string, q string) {
	seen := map[string]bool{}
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = normalizeDomain(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	s.mu.Lock()
	s.domains = out
	s.lastQuery = strings.TrimSpace(q)
	s.mu.Unlock()
}

func (s *Store) DomainAffinity() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.domains...)
}

func (s *Store) LastSearchQuery() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastQuery
}

func (s *Store) SetLastQuery(q string) {
	s.mu.Lock()
	s.lastQuery = strings.TrimSpace(q)
	s.mu.Unlock()
}

// AddDomain appends d to the affinity list if not already present.
func (s *Store) AddDomain(d string) {
	d = normalizeDomain(d)
	if d == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.domains {
		if x == d {
			return
		}
	}
	if len(s.domains) >= maxDomains {
		s.domains = append(s.domains[:0], s.domains[1:]...)
	}
	s.domains = append(s.domains, d)
}

// RecordVisit learns the host of rawURL as a preferred domain. URLs without
// an http(s) host are ignored.
func (s *Store) RecordVisit(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	s.AddDomain(u.Hostname())
}

// LoadFile replaces the store contents with the YAML file at path.
func (s *Store) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("signals: parse %s: %w", path, err)
	}
	s.set(f.Domains, f.LastQuery)
	logger.Info("signals loaded", logger.KeyPath, path, logger.KeyCount, len(f.Domains))
	return nil
}

// Watch reloads path whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (s *Store) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("signals: watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("signals: watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.LoadFile(abs); err != nil {
				logger.Warn("signals reload failed", logger.KeyPath, abs, logger.KeyError, err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("signals watcher error", logger.KeyError, err)
		}
	}
}
