package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prefetchd/internal/tier"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "512", want: 512},
		{in: "1k", want: 1024},
		{in: "64mb", want: 64 * 1024 * 1024},
		{in: "1.5G", want: 3 * 512 * 1024 * 1024},
		{in: " 10 m ", want: 10 * 1024 * 1024},
		{in: "", wantErr: true},
		{in: "b", wantErr: true},
		{in: "-1k", wantErr: true},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBytes(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8089", cfg.Server.Listen)
	assert.Equal(t, 3, cfg.Scheduler.Workers)
	assert.Equal(t, 50, cfg.Scheduler.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.FetchTimeout.D())
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.TaskExpiry.D())
	assert.Equal(t, 0.6, cfg.Scheduler.MinConfidence)
	assert.Equal(t, int64(200*1024*1024), cfg.Cache.Max.Int64())
	assert.Equal(t, int64(10*1024*1024), cfg.Cache.MaxItem.Int64())
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.MaxAge.D())
	assert.Equal(t, 20, cfg.Resources.MinBattery)
	assert.Equal(t, int64(100*1024*1024), cfg.Resources.DailyBudget.Int64())
	assert.Equal(t, "leveldb", cfg.Storage.Backend)
}

func TestParseOverrides(t *testing.T) {
	src := `
server:
  listen: "127.0.0.1:9000"
storage:
  backend: badger
  path: /var/lib/prefetchd
cache:
  max: 1g
  maxItem: 32mb
  maxAge: 168h
scheduler:
  workers: 5
  tick: 30s
  weights:
    domainAffinity: 2
    timeOfDay: 1
    searchRelevance: 1
resources:
  network: cellular
  cellularGeneration: 5
discover:
  origin: https://example.com/
  sitemaps: [/sitemap.xml]
  priority: medium
`
	cfg, err := Parse([]byte(src))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, int64(1<<30), cfg.Cache.Max.Int64())
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.MaxAge.D())
	assert.Equal(t, 5, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Tick.D())
	assert.InDelta(t, 0.5, cfg.Scheduler.Weights.DomainAffinity, 1e-9)
	assert.InDelta(t, 0.25, cfg.Scheduler.Weights.TimeOfDay, 1e-9)
	assert.Equal(t, "cellular", cfg.Resources.Network)
	assert.Equal(t, "https://example.com", cfg.Discover.Origin)
	assert.Equal(t, tier.Medium, cfg.Discover.Priority)
	// untouched keys keep defaults
	assert.Equal(t, 50, cfg.Scheduler.QueueSize)
}

func TestParseZeroWeightsFallBack(t *testing.T) {
	cfg, err := Parse([]byte("scheduler:\n  weights:\n    domainAffinity: 0\n    timeOfDay: 0\n    searchRelevance: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, Default().Scheduler.Weights, cfg.Scheduler.Weights)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"workers":     "scheduler:\n  workers: 0\n",
		"backend":     "storage:\n  backend: redis\n",
		"item > max":  "cache:\n  max: 1mb\n  maxItem: 2mb\n",
		"confidence":  "scheduler:\n  minConfidence: 1.5\n",
		"network":     "resources:\n  network: satellite\n",
		"bad size":    "cache:\n  max: huge\n",
		"bad dur":     "scheduler:\n  tick: soon\n",
		"bad tier":    "discover:\n  priority: urgent\n",
		"rel sitemap": "discover:\n  sitemaps: [/sitemap.xml]\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefetchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
