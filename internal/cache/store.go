// Package cache is a content-keyed on-disk store for prefetched resources.
//
// Each URL maps to one file under Dir named after the xxhash of the URL. The
// in-memory index is the single source of truth; it is persisted as one gob
// blob in the kv store and rebuilt from it on Open. Entries whose file has
// disappeared are purged the next time they are looked up.
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"prefetchd/internal/kv"
	"prefetchd/internal/logger"
	"prefetchd/internal/metrics"
)

const (
	metadataKey = "cache_metadata"
	tempPrefix  = ".put-"
)

var (
	ErrTooLarge = errors.New("cache: item exceeds per-item limit")
	ErrDisabled = errors.New("cache: disabled")
	ErrEvicted  = errors.New("cache: evicted on insert")
)

type Config struct {
	Dir        string
	MaxSize    int64
	MaxItem    int64
	MaxAge     time.Duration
	SweepEvery time.Duration // 0 disables the maintenance loop
	Disabled   bool
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

type Store struct {
	cfg     Config
	kv      kv.Store
	now     func() time.Time
	metrics *metrics.Metrics

	mu    sync.Mutex
	index map[string]*Entry // by key
	total int64

	hits   atomic.Int64
	misses atomic.Int64
	dirty  atomic.Bool

	saveMu sync.Mutex

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	overflowLog *logger.RateLimited
}

// Open loads the persisted index from store and starts the maintenance loop.
func Open(cfg Config, store kv.Store, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache: empty dir")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	s := &Store{
		cfg:         cfg,
		kv:          store,
		now:         time.Now,
		index:       map[string]*Entry{},
		stopCh:      make(chan struct{}),
		overflowLog: logger.NewRateLimited(time.Minute),
	}
	for _, o := range opts {
		o(s)
	}
	s.removeStaleTemps()
	s.loadIndex()
	s.publishSize()

	if cfg.SweepEvery > 0 {
		s.wg.Add(1)
		go s.maintenanceLoop(cfg.SweepEvery)
	}
	return s, nil
}

func (s *Store) loadIndex() {
	var entries []Entry
	err := kv.GetGob(s.kv, metadataKey, &entries)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return
	case err != nil:
		logger.Warn("discarding unreadable cache index", logger.KeyError, err)
		_ = s.kv.Delete(metadataKey)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range entries {
		e := entries[i]
		if e.Key == "" || e.FileName == "" {
			continue
		}
		s.index[e.Key] = &e
		s.total += e.Size
	}
	logger.Info("cache index loaded", logger.KeyCount, len(s.index), logger.KeySize, humanize.IBytes(uint64(s.total)))
}

func (s *Store) removeStaleTemps() {
	matches, _ := filepath.Glob(filepath.Join(s.cfg.Dir, tempPrefix+"*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

func (s *Store) path(e *Entry) string { return filepath.Join(s.cfg.Dir, e.FileName) }

// dropLocked removes e from the index and deletes its file.
func (s *Store) dropLocked(e *Entry) {
	delete(s.index, e.Key)
	s.total -= e.Size
	_ = os.Remove(s.path(e))
	s.dirty.Store(true)
}

// Has reports whether a fresh entry with a backing file exists for url. An
// entry whose file is missing is purged.
func (s *Store) Has(url string) bool {
	if s.cfg.Disabled {
		return false
	}
	key := KeyFor(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[key]
	if !ok || e.Expired(s.now(), s.cfg.MaxAge) {
		return false
	}
	if _, err := os.Stat(s.path(e)); err != nil {
		s.dropLocked(e)
		s.metrics.Evicted("self_heal", 1)
		logger.Debug("purged cache entry with missing file", logger.KeyURL, url)
		return false
	}
	return true
}

// Get returns the bytes and MIME type for url. A hit bumps the entry's access
// count and last-access time.
func (s *Store) Get(url string) ([]byte, string, bool) {
	if s.cfg.Disabled {
		return nil, "", false
	}
	key := KeyFor(url)
	s.mu.Lock()
	e, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		s.miss("miss")
		return nil, "", false
	}
	if e.Expired(s.now(), s.cfg.MaxAge) {
		s.mu.Unlock()
		s.miss("expired")
		return nil, "", false
	}
	e.AccessCount++
	e.LastAccess = s.now()
	path, mimeType := s.path(e), e.MIMEType
	s.mu.Unlock()
	s.dirty.Store(true)

	b, err := os.ReadFile(path)
	if err != nil {
		s.mu.Lock()
		if s.index[key] == e {
			s.dropLocked(e)
		}
		s.mu.Unlock()
		s.metrics.Evicted("self_heal", 1)
		s.miss("missing_file")
		return nil, "", false
	}
	s.hits.Add(1)
	s.metrics.CacheRead("hit")
	return b, mimeType, true
}

func (s *Store) miss(status string) {
	s.misses.Add(1)
	s.metrics.CacheRead(status)
}

// Lookup returns a copy of the index entry for url without touching access
// statistics.
func (s *Store) Lookup(url string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[KeyFor(url)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Put streams r into the store under url. Content larger than the per-item
// limit is rejected with ErrTooLarge and nothing is written. An empty
// mimeType is detected from the content. The store-wide ceiling is enforced
// after the write; when that evicts the new entry itself Put returns
// ErrEvicted.
func (s *Store) Put(url string, r io.Reader, mimeType string) error {
	if s.cfg.Disabled {
		return ErrDisabled
	}
	tmp, err := os.CreateTemp(s.cfg.Dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("cache: temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, io.LimitReader(r, s.cfg.MaxItem+1))
	cerr := tmp.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: write %s: %w", url, err)
	}
	if n > s.cfg.MaxItem {
		_ = os.Remove(tmpName)
		s.overflowLog.Warn("cache item too large", logger.KeyURL, url, "limit", humanize.IBytes(uint64(s.cfg.MaxItem)))
		return ErrTooLarge
	}

	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
		if mt, err := mimetype.DetectFile(tmpName); err == nil {
			mimeType = mt.String()
		}
	}

	key := KeyFor(url)
	now := s.now()
	e := &Entry{
		URL:        url,
		Key:        key,
		FileName:   key + extensionFor(mimeType),
		MIMEType:   mimeType,
		Size:       n,
		CreatedAt:  now,
		LastAccess: now,
	}

	s.mu.Lock()
	if err := os.Rename(tmpName, s.path(e)); err != nil {
		s.mu.Unlock()
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: commit %s: %w", url, err)
	}
	if old, ok := s.index[key]; ok {
		if old.FileName != e.FileName {
			_ = os.Remove(s.path(old))
		}
		s.total -= old.Size
		e.Permanent = old.Permanent
	}
	s.index[key] = e
	s.total += n
	evicted := s.evictLocked()
	kept := s.index[key] == e
	s.mu.Unlock()

	if evicted > 0 {
		s.metrics.Evicted("size", evicted)
		logger.Debug("cache evicted for space", logger.KeyCount, evicted)
	}
	s.publishSize()
	s.save()
	if !kept {
		return ErrEvicted
	}
	logger.Debug("cached", logger.KeyURL, url, logger.KeySize, n, "mime", mimeType)
	return nil
}

// evictLocked removes non-permanent entries in ascending (AccessCount,
// LastAccess) order until the total fits under MaxSize.
func (s *Store) evictLocked() int {
	excess := s.total - s.cfg.MaxSize
	if excess <= 0 {
		return 0
	}
	cands := make([]*Entry, 0, len(s.index))
	for _, e := range s.index {
		if !e.Permanent {
			cands = append(cands, e)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return a.Key < b.Key
	})
	var freed int64
	n := 0
	for _, e := range cands {
		if freed >= excess {
			break
		}
		freed += e.Size
		s.dropLocked(e)
		n++
	}
	if freed < excess {
		s.overflowLog.Warn("cache over size with only permanent entries left",
			logger.KeySize, humanize.IBytes(uint64(s.total)))
	}
	return n
}

// EvictExpired drops every expired entry and returns how many were removed.
func (s *Store) EvictExpired() int {
	now := s.now()
	s.mu.Lock()
	n := 0
	for _, e := range s.index {
		if e.Expired(now, s.cfg.MaxAge) {
			s.dropLocked(e)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.metrics.Evicted("expired", n)
		logger.Info("expired cache entries removed", logger.KeyCount, n)
		s.publishSize()
		s.save()
	}
	return n
}

// Clear removes every entry, permanent ones included.
func (s *Store) Clear() error {
	s.mu.Lock()
	n := len(s.index)
	var firstErr error
	for _, e := range s.index {
		if err := os.Remove(s.path(e)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	s.index = map[string]*Entry{}
	s.total = 0
	s.mu.Unlock()
	s.dirty.Store(true)

	s.metrics.Evicted("clear", n)
	s.publishSize()
	s.save()
	logger.Info("cache cleared", logger.KeyCount, n)
	return firstErr
}

// SetPermanent toggles the permanence flag. It reports false when url is not
// cached.
func (s *Store) SetPermanent(url string, permanent bool) bool {
	s.mu.Lock()
	e, ok := s.index[KeyFor(url)]
	if ok {
		e.Permanent = permanent
	}
	s.mu.Unlock()
	if ok {
		s.dirty.Store(true)
		s.save()
	}
	return ok
}

type Stats struct {
	Entries   int
	TotalSize int64
	Hits      int64
	Misses    int64
	HitRate   float64
}

func (st Stats) String() string {
	return fmt.Sprintf("%d entries, %s, hit rate %s (%d/%d)",
		st.Entries, humanize.IBytes(uint64(st.TotalSize)), formatRate(st.HitRate), st.Hits, st.Hits+st.Misses)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{Entries: len(s.index), TotalSize: s.total}
	s.mu.Unlock()
	st.Hits = s.hits.Load()
	st.Misses = s.misses.Load()
	if t := st.Hits + st.Misses; t > 0 {
		st.HitRate = float64(st.Hits) / float64(t)
	}
	return st
}

func (s *Store) publishSize() {
	s.mu.Lock()
	total, n := s.total, len(s.index)
	s.mu.Unlock()
	s.metrics.CacheSize(total, n)
}

// save persists the index. Snapshots are taken under mu; writes are
// serialized by saveMu so a newer snapshot is never overwritten by an older
// one.
func (s *Store) save() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.dirty.Store(false)

	s.mu.Lock()
	entries := make([]Entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, *e)
	}
	s.mu.Unlock()

	if err := kv.PutGob(s.kv, metadataKey, entries); err != nil {
		s.dirty.Store(true)
		logger.Warn("cache index save failed", logger.KeyError, err)
	}
}

func (s *Store) maintenanceLoop(every time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.EvictExpired()
			if s.dirty.Load() {
				s.save()
			}
		}
	}
}

// Close stops the maintenance loop and flushes pending index changes. The kv
// store is owned by the caller.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.dirty.Load() {
			s.save()
		}
	})
}
