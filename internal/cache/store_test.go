package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prefetchd/internal/kv"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T) Config {
	return Config{
		Dir:     t.TempDir(),
		MaxSize: 200 << 20,
		MaxItem: 10 << 20,
		MaxAge:  30 * 24 * time.Hour,
	}
}

func openStore(t *testing.T, cfg Config, store kv.Store) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(cfg, store, WithClock(c.now))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, c
}

func TestRoundTrip(t *testing.T) {
	s, _ := openStore(t, testConfig(t), kv.NewMemory())

	require.NoError(t, s.Put("https://example.com/a", strings.NewReader("hello"), "text/plain"))
	assert.True(t, s.Has("https://example.com/a"))

	b, mt, ok := s.Get("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, "text/plain", mt)

	e, ok := s.Lookup("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, 1, e.AccessCount)
	assert.Equal(t, int64(5), e.Size)
	assert.Equal(t, KeyFor("https://example.com/a")+".txt", e.FileName)

	_, _, ok = s.Get("https://example.com/other")
	assert.False(t, ok)

	st := s.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
}

func TestPutTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxItem = 10
	s, _ := openStore(t, cfg, kv.NewMemory())

	err := s.Put("https://example.com/big", bytes.NewReader(make([]byte, 11)), "application/octet-stream")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, s.Has("https://example.com/big"))

	files, _ := os.ReadDir(cfg.Dir)
	assert.Empty(t, files)

	require.NoError(t, s.Put("https://example.com/fits", bytes.NewReader(make([]byte, 10)), "application/octet-stream"))
	assert.True(t, s.Has("https://example.com/fits"))
}

func TestEvictionOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSize = 250
	s, c := openStore(t, cfg, kv.NewMemory())
	body := func() *bytes.Reader { return bytes.NewReader(make([]byte, 100)) }

	require.NoError(t, s.Put("https://e1", body(), "text/plain"))
	c.advance(time.Minute)
	require.NoError(t, s.Put("https://e2", body(), "text/plain"))
	for i := 0; i < 5; i++ {
		_, _, ok := s.Get("https://e2")
		require.True(t, ok)
	}
	c.advance(time.Minute)
	require.NoError(t, s.Put("https://e3", body(), "text/plain"))

	assert.False(t, s.Has("https://e1"))
	assert.True(t, s.Has("https://e2"))
	assert.True(t, s.Has("https://e3"))
	assert.Equal(t, int64(200), s.Stats().TotalSize)
}

func TestEvictionSkipsPermanent(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSize = 150
	s, c := openStore(t, cfg, kv.NewMemory())

	require.NoError(t, s.Put("https://keep", bytes.NewReader(make([]byte, 100)), "text/plain"))
	require.True(t, s.SetPermanent("https://keep", true))
	c.advance(time.Minute)
	err := s.Put("https://new", bytes.NewReader(make([]byte, 100)), "text/plain")
	assert.ErrorIs(t, err, ErrEvicted)

	assert.True(t, s.Has("https://keep"))
	assert.False(t, s.Has("https://new"))
	assert.Equal(t, int64(100), s.Stats().TotalSize)
}

func TestExpiry(t *testing.T) {
	s, c := openStore(t, testConfig(t), kv.NewMemory())

	require.NoError(t, s.Put("https://plain", strings.NewReader("a"), "text/plain"))
	require.NoError(t, s.Put("https://pinned", strings.NewReader("b"), "text/plain"))
	require.True(t, s.SetPermanent("https://pinned", true))

	c.advance(31 * 24 * time.Hour)

	assert.False(t, s.Has("https://plain"))
	_, _, ok := s.Get("https://plain")
	assert.False(t, ok)
	assert.True(t, s.Has("https://pinned"))

	assert.Equal(t, 1, s.EvictExpired())
	_, ok = s.Lookup("https://plain")
	assert.False(t, ok)
	assert.True(t, s.Has("https://pinned"))
}

func TestMissingFileSelfHeals(t *testing.T) {
	cfg := testConfig(t)
	s, _ := openStore(t, cfg, kv.NewMemory())

	require.NoError(t, s.Put("https://gone", strings.NewReader("x"), "text/plain"))
	e, _ := s.Lookup("https://gone")
	require.NoError(t, os.Remove(filepath.Join(cfg.Dir, e.FileName)))

	assert.False(t, s.Has("https://gone"))
	_, ok := s.Lookup("https://gone")
	assert.False(t, ok)
	assert.Equal(t, int64(0), s.Stats().TotalSize)

	require.NoError(t, s.Put("https://gone2", strings.NewReader("y"), "text/plain"))
	e, _ = s.Lookup("https://gone2")
	require.NoError(t, os.Remove(filepath.Join(cfg.Dir, e.FileName)))
	_, _, ok = s.Get("https://gone2")
	assert.False(t, ok)
	_, ok = s.Lookup("https://gone2")
	assert.False(t, ok)
}

func TestOverwriteKeepsPermanence(t *testing.T) {
	cfg := testConfig(t)
	s, _ := openStore(t, cfg, kv.NewMemory())

	require.NoError(t, s.Put("https://doc", strings.NewReader("<p>v1</p>"), "text/html"))
	s.SetPermanent("https://doc", true)
	_, _, _ = s.Get("https://doc")

	require.NoError(t, s.Put("https://doc", strings.NewReader("plain v2"), "text/plain"))
	e, ok := s.Lookup("https://doc")
	require.True(t, ok)
	assert.True(t, e.Permanent)
	assert.Equal(t, 0, e.AccessCount)
	assert.Equal(t, "text/plain", e.MIMEType)

	files, _ := os.ReadDir(cfg.Dir)
	assert.Len(t, files, 1)
	assert.Equal(t, int64(len("plain v2")), s.Stats().TotalSize)
}

func TestSniffMIME(t *testing.T) {
	s, _ := openStore(t, testConfig(t), kv.NewMemory())
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

	require.NoError(t, s.Put("https://img", bytes.NewReader(png), ""))
	e, ok := s.Lookup("https://img")
	require.True(t, ok)
	assert.Equal(t, "image/png", e.MIMEType)
	assert.True(t, strings.HasSuffix(e.FileName, ".png"))
}

func TestClear(t *testing.T) {
	cfg := testConfig(t)
	s, _ := openStore(t, cfg, kv.NewMemory())
	require.NoError(t, s.Put("https://a", strings.NewReader("a"), "text/plain"))
	require.NoError(t, s.Put("https://b", strings.NewReader("b"), "text/plain"))
	s.SetPermanent("https://b", true)

	require.NoError(t, s.Clear())
	assert.False(t, s.Has("https://a"))
	assert.False(t, s.Has("https://b"))
	assert.Equal(t, 0, s.Stats().Entries)
	files, _ := os.ReadDir(cfg.Dir)
	assert.Empty(t, files)
}

func TestIndexPersistsAcrossOpen(t *testing.T) {
	cfg := testConfig(t)
	store := kv.NewMemory()

	s, err := Open(cfg, store)
	require.NoError(t, err)
	require.NoError(t, s.Put("https://persist", strings.NewReader("data"), "text/plain"))
	_, _, _ = s.Get("https://persist")
	s.Close()

	s2, err := Open(cfg, store)
	require.NoError(t, err)
	defer s2.Close()
	e, ok := s2.Lookup("https://persist")
	require.True(t, ok)
	assert.Equal(t, 1, e.AccessCount)
	assert.Equal(t, int64(4), s2.Stats().TotalSize)
}

func TestCorruptIndexDiscarded(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, store.Put(metadataKey, []byte("not a gob stream")))

	s, _ := openStore(t, testConfig(t), store)
	assert.Equal(t, 0, s.Stats().Entries)
	_, err := store.Get(metadataKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Put("https://fresh", strings.NewReader("z"), "text/plain"))
	assert.True(t, s.Has("https://fresh"))
}

func TestConcurrentPutsDistinctKeys(t *testing.T) {
	s, _ := openStore(t, testConfig(t), kv.NewMemory())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := fmt.Sprintf("https://example.com/%d", i)
			assert.NoError(t, s.Put(u, strings.NewReader(u), "text/plain"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		u := fmt.Sprintf("https://example.com/%d", i)
		b, _, ok := s.Get(u)
		require.True(t, ok)
		assert.Equal(t, u, string(b))
	}
}

func TestDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Disabled = true
	s, _ := openStore(t, cfg, kv.NewMemory())

	assert.ErrorIs(t, s.Put("https://x", strings.NewReader("x"), "text/plain"), ErrDisabled)
	assert.False(t, s.Has("https://x"))
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".html", extensionFor("text/html; charset=utf-8"))
	assert.Equal(t, ".json", extensionFor("application/json"))
	assert.Equal(t, ".bin", extensionFor("application/x-made-up"))
	assert.Equal(t, ".bin", extensionFor(""))
}

func TestKeyFor(t *testing.T) {
	k := KeyFor("https://example.com")
	assert.Len(t, k, 16)
	assert.Equal(t, k, KeyFor("https://example.com"))
	assert.NotEqual(t, k, KeyFor("https://example.org"))
}
