package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prefetchd/internal/tier"
)

var testCfg = Config{
	MinBattery:            20,
	MaxMemoryPressure:     0.8,
	DailyBudget:           100 << 20,
	MinCellularGeneration: 4,
	MemoryPressureHold:    time.Minute,
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func healthy() Snapshot {
	return Snapshot{BatteryPercent: 80, Network: NetworkWiFi, MemoryPressure: 0.3}
}

func newTestMonitor(snap Snapshot) (*Monitor, *StaticProbe, *clock) {
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)}
	p := NewStaticProbe(snap)
	return New(testCfg, p, WithClock(c.now)), p, c
}

func TestGateConjunction(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want bool
	}{
		{"healthy", healthy(), true},
		{"low battery", Snapshot{BatteryPercent: 15, Network: NetworkWiFi}, false},
		{"low battery charging", Snapshot{BatteryPercent: 15, Charging: true, Network: NetworkWiFi}, true},
		{"battery at threshold", Snapshot{BatteryPercent: 20, Network: NetworkWiFi}, true},
		{"no network", Snapshot{BatteryPercent: 80, Network: NetworkNone}, false},
		{"3g", Snapshot{BatteryPercent: 80, Network: NetworkCellular, CellularGeneration: 3}, false},
		{"lte", Snapshot{BatteryPercent: 80, Network: NetworkCellular, CellularGeneration: 4}, true},
		{"memory pressure", Snapshot{BatteryPercent: 80, Network: NetworkWiFi, MemoryPressure: 0.8}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestMonitor(tt.snap)
			assert.Equal(t, tt.want, m.PrefetchAllowed())
		})
	}
}

func TestBudgetGateAndRollover(t *testing.T) {
	m, _, c := newTestMonitor(healthy())

	m.RecordConsumed(99 << 20)
	assert.True(t, m.PrefetchAllowed())
	m.RecordConsumed(2 << 20)
	assert.False(t, m.PrefetchAllowed())
	assert.False(t, m.Gates().Budget)
	assert.Equal(t, int64(101<<20), m.Budget().Consumed)

	c.t = c.t.Add(13 * time.Hour) // next day, 01:00
	assert.True(t, m.PrefetchAllowed())
	b := m.Budget()
	assert.Equal(t, int64(0), b.Consumed)
	assert.Equal(t, "2025-03-11", b.Day)

	m.RecordConsumed(10)
	assert.Equal(t, int64(10), m.Budget().Consumed)
}

func TestRestoreBudget(t *testing.T) {
	m, _, _ := newTestMonitor(healthy())

	m.RestoreBudget(BudgetState{Consumed: 500, Day: "2025-03-09"})
	assert.Equal(t, int64(0), m.Budget().Consumed)

	m.RestoreBudget(BudgetState{Consumed: 500, Day: "2025-03-10"})
	assert.Equal(t, int64(500), m.Budget().Consumed)
}

func TestAdjustPriority(t *testing.T) {
	m, p, _ := newTestMonitor(healthy())
	assert.Equal(t, tier.High, m.AdjustPriority(tier.High))

	p.SetBattery(10, false)
	assert.Equal(t, tier.Medium, m.AdjustPriority(tier.High))
	assert.Equal(t, tier.High, m.AdjustPriority(tier.Critical))
	assert.Equal(t, tier.Background, m.AdjustPriority(tier.Background))

	p.SetBattery(90, false)
	p.SetNetwork(NetworkCellular, 3)
	assert.Equal(t, tier.Background, m.AdjustPriority(tier.High))
	assert.Equal(t, tier.Critical, m.AdjustPriority(tier.Critical))
}

func TestRecordSaved(t *testing.T) {
	m, _, _ := newTestMonitor(healthy())
	m.RecordSaved(100, "cache_hit")
	m.RecordSaved(50, "cache_hit")
	m.RecordSaved(25, "prefetch")
	m.RecordSaved(0, "ignored")

	assert.Equal(t, int64(175), m.Saved())
	assert.Equal(t, map[string]int64{"cache_hit": 150, "prefetch": 25}, m.SavedByReason())
	assert.Equal(t, int64(0), m.Budget().Consumed)

	for i := 0; i < 150; i++ {
		m.RecordSaved(1, "bulk")
	}
	recs := m.RecentSavings()
	require.Len(t, recs, 100)
	assert.Equal(t, "bulk", recs[0].Reason)
}

func TestMemoryPressureHold(t *testing.T) {
	m, p, c := newTestMonitor(healthy())
	require.True(t, m.PrefetchAllowed())

	m.OnMemoryPressure()
	assert.False(t, m.Gates().Memory)

	c.t = c.t.Add(61 * time.Second)
	assert.True(t, m.Gates().Memory)

	p.SetMemoryPressure(0.95)
	assert.False(t, m.Gates().Memory)
	assert.False(t, m.PrefetchAllowed())
}

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork("WiFi")
	require.NoError(t, err)
	assert.Equal(t, NetworkWiFi, n)
	_, err = ParseNetwork("carrier-pigeon")
	assert.Error(t, err)
}
