package monitor

import (
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// HostProbe reads the battery from the power-supply class directory and
// memory pressure from the OS. The network is not observable from here and
// is taken from configuration.
type HostProbe struct {
	PowerSupplyPath    string
	Network            Network
	CellularGeneration int
}

func (p *HostProbe) Snapshot() Snapshot {
	s := Snapshot{
		BatteryPercent:     100,
		Charging:           true,
		Network:            p.Network,
		CellularGeneration: p.CellularGeneration,
		TakenAt:            time.Now(),
	}
	if pct, charging, ok := readBattery(p.PowerSupplyPath); ok {
		s.BatteryPercent = pct
		s.Charging = charging
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		s.MemoryPressure = vm.UsedPercent / 100
	}
	return s
}
