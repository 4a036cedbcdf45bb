// Package monitor decides whether background prefetching is currently
// permitted. It combines host readings (battery, network, memory pressure)
// with a daily data budget that rolls over lazily at calendar-day boundaries,
// and keeps an independent tally of bytes saved by serving from cache.
package monitor

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"prefetchd/internal/logger"
	"prefetchd/internal/metrics"
	"prefetchd/internal/tier"
)

const maxSavingRecords = 100

type Config struct {
	MinBattery            int
	MaxMemoryPressure     float64
	DailyBudget           int64
	MinCellularGeneration int
	MemoryPressureHold    time.Duration
}

// Gates is the per-condition breakdown of PrefetchAllowed.
type Gates struct {
	Battery bool `json:"battery"`
	Network bool `json:"network"`
	Memory  bool `json:"memory"`
	Budget  bool `json:"budget"`
}

func (g Gates) Allowed() bool { return g.Battery && g.Network && g.Memory && g.Budget }

// BudgetState is the persisted form of the daily budget.
type BudgetState struct {
	Consumed int64
	Day      string // local calendar day, 2006-01-02
	Cap      int64
}

// SavingRecord is one RecordSaved call.
type SavingRecord struct {
	Bytes  int64     `json:"bytes"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mx }
}

type Monitor struct {
	cfg     Config
	probe   Probe
	now     func() time.Time
	metrics *metrics.Metrics

	mu            sync.Mutex
	consumed      int64
	day           string
	saved         int64
	savedByReason map[string]int64
	records       []SavingRecord
	pressureUntil time.Time

	gateLog *logger.RateLimited
}

func New(cfg Config, probe Probe, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:           cfg,
		probe:         probe,
		now:           time.Now,
		savedByReason: map[string]int64{},
		gateLog:       logger.NewRateLimited(time.Minute),
	}
	for _, o := range opts {
		o(m)
	}
	m.day = dayKey(m.now())
	return m
}

func dayKey(t time.Time) string { return t.Local().Format("2006-01-02") }

// rollLocked resets the counter when the calendar day has changed.
func (m *Monitor) rollLocked() {
	d := dayKey(m.now())
	if d != m.day {
		if m.consumed > 0 {
			logger.Info("daily budget reset", "previous_day", m.day, logger.KeyBytes, m.consumed)
		}
		m.consumed = 0
		m.day = d
	}
}

func (m *Monitor) evaluate(s Snapshot) Gates {
	var g Gates
	g.Battery = s.Charging || s.BatteryPercent >= m.cfg.MinBattery
	switch s.Network {
	case NetworkWiFi:
		g.Network = true
	case NetworkCellular:
		g.Network = s.CellularGeneration >= m.cfg.MinCellularGeneration
	}

	m.mu.Lock()
	m.rollLocked()
	g.Budget = m.consumed < m.cfg.DailyBudget
	held := m.now().Before(m.pressureUntil)
	m.mu.Unlock()

	g.Memory = !held && s.MemoryPressure < m.cfg.MaxMemoryPressure
	return g
}

// Gates takes a fresh snapshot and reports each condition.
func (m *Monitor) Gates() Gates {
	g := m.evaluate(m.probe.Snapshot())
	m.metrics.Gate("battery", g.Battery)
	m.metrics.Gate("network", g.Network)
	m.metrics.Gate("memory", g.Memory)
	m.metrics.Gate("budget", g.Budget)
	return g
}

func (m *Monitor) PrefetchAllowed() bool {
	g := m.Gates()
	if !g.Allowed() {
		m.gateLog.Info("prefetch gated",
			"battery", g.Battery, "network", g.Network, "memory", g.Memory, "budget", g.Budget)
	}
	return g.Allowed()
}

// AdjustPriority downgrades t for the current conditions. Low battery lowers
// every tier by one step; otherwise a poor network demotes everything but
// critical to background.
func (m *Monitor) AdjustPriority(t tier.Tier) tier.Tier {
	s := m.probe.Snapshot()
	g := m.evaluate(s)
	if !g.Battery {
		return t.Down()
	}
	if !g.Network && t != tier.Critical {
		return tier.Background
	}
	return t
}

// RecordConsumed charges n bytes to today's budget.
func (m *Monitor) RecordConsumed(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.rollLocked()
	m.consumed += n
	over := m.consumed >= m.cfg.DailyBudget
	m.mu.Unlock()
	m.metrics.Consumed(n)
	if over {
		m.gateLog.Warn("daily budget exhausted", "cap", humanize.IBytes(uint64(m.cfg.DailyBudget)))
	}
}

func (m *Monitor) Budget() BudgetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	return BudgetState{Consumed: m.consumed, Day: m.day, Cap: m.cfg.DailyBudget}
}

// RestoreBudget loads persisted state. A state from another day is ignored.
func (m *Monitor) RestoreBudget(b BudgetState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Day != dayKey(m.now()) || b.Consumed < 0 {
		return
	}
	m.day = b.Day
	m.consumed = b.Consumed
}

// RecordSaved adds to the savings tally. It never touches the budget.
func (m *Monitor) RecordSaved(n int64, reason string) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.saved += n
	m.savedByReason[reason] += n
	m.records = append(m.records, SavingRecord{Bytes: n, Reason: reason, At: m.now()})
	if len(m.records) > maxSavingRecords {
		m.records = m.records[len(m.records)-maxSavingRecords:]
	}
	m.mu.Unlock()
	m.metrics.Saved(reason, n)
	logger.Debug("data saved", logger.KeyBytes, n, logger.KeyReason, reason)
}

func (m *Monitor) Saved() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved
}

func (m *Monitor) SavedByReason() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.savedByReason))
	for k, v := range m.savedByReason {
		out[k] = v
	}
	return out
}

// RecentSavings returns up to the last 100 saving records, oldest first.
func (m *Monitor) RecentSavings() []SavingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SavingRecord(nil), m.records...)
}

// OnMemoryPressure closes the memory gate for the configured hold period
// regardless of what the probe reports.
func (m *Monitor) OnMemoryPressure() {
	m.mu.Lock()
	m.pressureUntil = m.now().Add(m.cfg.MemoryPressureHold)
	m.mu.Unlock()
	logger.Warn("memory pressure signalled", "hold", m.cfg.MemoryPressureHold)
}
