package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type Network int

const (
	NetworkNone Network = iota
	NetworkCellular
	NetworkWiFi
)

func (n Network) String() string {
	switch n {
	case NetworkWiFi:
		return "wifi"
	case NetworkCellular:
		return "cellular"
	default:
		return "none"
	}
}

func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wifi":
		return NetworkWiFi, nil
	case "cellular":
		return NetworkCellular, nil
	case "none", "":
		return NetworkNone, nil
	}
	return NetworkNone, fmt.Errorf("unknown network %q", s)
}

// Snapshot is a point-in-time reading of host resources.
type Snapshot struct {
	BatteryPercent     int
	Charging           bool
	Network            Network
	CellularGeneration int     // 2..5; meaningful only on cellular
	MemoryPressure     float64 // 0..1
	TakenAt            time.Time
}

// Probe samples host resources. Implementations must be safe for concurrent
// use and must not cache readings.
type Probe interface {
	Snapshot() Snapshot
}

// StaticProbe returns whatever was last set. Used by tests and by hosts that
// push readings in.
type StaticProbe struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewStaticProbe(s Snapshot) *StaticProbe {
	return &StaticProbe{snap: s}
}

func (p *StaticProbe) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snap
	s.TakenAt = time.Now()
	return s
}

func (p *StaticProbe) Set(s Snapshot) {
	p.mu.Lock()
	p.snap = s
	p.mu.Unlock()
}

func (p *StaticProbe) SetBattery(percent int, charging bool) {
	p.mu.Lock()
	p.snap.BatteryPercent = percent
	p.snap.Charging = charging
	p.mu.Unlock()
}

func (p *StaticProbe) SetNetwork(n Network, generation int) {
	p.mu.Lock()
	p.snap.Network = n
	p.snap.CellularGeneration = generation
	p.mu.Unlock()
}

func (p *StaticProbe) SetMemoryPressure(v float64) {
	p.mu.Lock()
	p.snap.MemoryPressure = v
	p.mu.Unlock()
}
