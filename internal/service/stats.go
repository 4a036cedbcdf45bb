package service

import (
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"prefetchd/internal/logger"
	"prefetchd/internal/metrics"
	"prefetchd/internal/monitor"
)

// traffic weighs bytes pulled from origins by prefetches against bytes handed
// back out of the cache. Payoff above 1 means cached bodies were reused.
type traffic struct {
	fetches      atomic.Int64
	fetchedBytes atomic.Int64
	hits         atomic.Int64
	servedBytes  atomic.Int64

	metrics *metrics.Metrics
}

func newTraffic(m *metrics.Metrics) *traffic {
	return &traffic{metrics: m}
}

// Fetched records a successful origin fetch of n bytes.
func (t *traffic) Fetched(n int) {
	t.fetches.Add(1)
	t.fetchedBytes.Add(int64(max(n, 0)))
	t.metrics.Body("fetched", n)
}

// Served records a cache hit of n bytes.
func (t *traffic) Served(n int) {
	t.hits.Add(1)
	t.servedBytes.Add(int64(max(n, 0)))
	t.metrics.Body("served", n)
}

type trafficSnapshot struct {
	Fetches      int64 `json:"fetches"`
	FetchedBytes int64 `json:"fetched_bytes"`
	Hits         int64 `json:"hits"`
	ServedBytes  int64 `json:"served_bytes"`
}

func (t *traffic) Snapshot() trafficSnapshot {
	return trafficSnapshot{
		Fetches:      t.fetches.Load(),
		FetchedBytes: t.fetchedBytes.Load(),
		Hits:         t.hits.Load(),
		ServedBytes:  t.servedBytes.Load(),
	}
}

// Payoff is served bytes per fetched byte, 0 before anything was fetched.
func (s trafficSnapshot) Payoff() float64 {
	if s.FetchedBytes == 0 {
		return 0
	}
	return float64(s.ServedBytes) / float64(s.FetchedBytes)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	cs := s.cache.Stats()
	rep := s.scheduler.Report()
	ts := s.traffic.Snapshot()
	args := []any{
		"cached", cs.Entries,
		"disk", humanize.IBytes(uint64(cs.TotalSize)),
		"hit_rate", cs.HitRate,
		"queued", rep.Queued,
		"active", rep.Active,
		"today", humanize.IBytes(uint64(rep.Budget.Consumed)),
		"fetched", humanize.IBytes(uint64(ts.FetchedBytes)),
		"served", humanize.IBytes(uint64(ts.ServedBytes)),
		"payoff", ts.Payoff(),
	}
	if rss, ok := monitor.ProcessRSS(); ok {
		args = append(args, "rss", humanize.IBytes(rss))
	}
	logger.Info("prefetchd stats", args...)
}
