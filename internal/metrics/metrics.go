// Package metrics exposes Prometheus instrumentation for the scheduler, the
// cache store and the resource monitor.
//
// A nil *Metrics is valid and records nothing, so components built without a
// registry need no conditionals at call sites.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	admissions    *prometheus.CounterVec
	taskOutcomes  *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	queueLength   prometheus.Gauge
	activeTasks   prometheus.Gauge

	cacheReads   *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	cacheBytes   prometheus.Gauge
	cacheEntries prometheus.Gauge

	bytesConsumed prometheus.Counter
	bytesSaved    *prometheus.CounterVec
	gate          *prometheus.GaugeVec

	bodySize *prometheus.HistogramVec
}

// New registers all collectors on reg. A nil reg returns nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prefetchd_admissions_total",
			Help: "Submit outcomes by result (admitted or rejection reason)",
		}, []string{"result"}),
		taskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prefetchd_task_outcomes_total",
			Help: "Tasks reaching a terminal status",
		}, []string{"status"}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name: "prefetchd_fetch_duration_seconds",
			Help: "Duration of fetch attempts",
			Buckets: []float64{
				0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
				30, // default timeout
			},
		}),
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "prefetchd_queue_length",
			Help: "Pending tasks",
		}),
		activeTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "prefetchd_active_tasks",
			Help: "Tasks currently being fetched",
		}),
		cacheReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prefetchd_cache_reads_total",
			Help: "Cache lookups by status",
		}, []string{"status"}), // hit, miss, expired, missing_file
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prefetchd_cache_evictions_total",
			Help: "Cache entries removed by reason",
		}, []string{"reason"}), // size, expired, clear, self_heal
		cacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "prefetchd_cache_bytes",
			Help: "Bytes held by the cache store",
		}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "prefetchd_cache_entries",
			Help: "Entries held by the cache store",
		}),
		bytesConsumed: f.NewCounter(prometheus.CounterOpts{
			Name: "prefetchd_bytes_consumed_total",
			Help: "Bytes charged to the daily budget",
		}),
		bytesSaved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prefetchd_bytes_saved_total",
			Help: "Bytes saved by reason",
		}, []string{"reason"}),
		gate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prefetchd_gate_open",
			Help: "1 when the named resource gate allows prefetching",
		}, []string{"gate"}),
		bodySize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prefetchd_body_bytes",
			Help:    "Body sizes fetched from origins and served from the cache",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8), // 1KiB .. 16MiB
		}, []string{"direction"}), // fetched, served
	}
}

func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(status).Inc()
	if d > 0 {
		m.fetchDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) QueueState(pending, active int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(pending))
	m.activeTasks.Set(float64(active))
}

func (m *Metrics) CacheRead(status string) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(status).Inc()
}

func (m *Metrics) Evicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) CacheSize(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.cacheBytes.Set(float64(bytes))
	m.cacheEntries.Set(float64(entries))
}

func (m *Metrics) Consumed(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.bytesConsumed.Add(float64(bytes))
}

func (m *Metrics) Saved(reason string, bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.bytesSaved.WithLabelValues(reason).Add(float64(bytes))
}

func (m *Metrics) Gate(name string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.gate.WithLabelValues(name).Set(v)
}

// Body records the size of one body moving in direction.
func (m *Metrics) Body(direction string, bytes int) {
	if m == nil || bytes < 0 {
		return
	}
	m.bodySize.WithLabelValues(direction).Observe(float64(bytes))
}
