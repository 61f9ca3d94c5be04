package actor

import (
	"time"

	"github.com/labdaq/daqd/internal/fanout"
)

// Snapshot is the unified, read-only view of actor state served by
// get_metrics: device/type counts and every module instance's current
// state, plus the fan-out bus's per-subscriber counters. Snapshot never
// touches the command queue, so it never blocks behind in-flight
// mutations.
type Snapshot struct {
	Generated   time.Time
	DeviceCount int
	ModuleTypes []string
	Instances   []InstanceSummary
	Fanout      fanout.Snapshot
}

// GetMetrics returns the current Snapshot.
func (a *Actor) GetMetrics() Snapshot {
	snap := Snapshot{
		Generated:   time.Now(),
		DeviceCount: len(a.reg.ListDevices()),
		ModuleTypes: a.types.ListTypes(),
		Instances:   a.ListInstances(),
	}
	if a.bus != nil {
		snap.Fanout = a.bus.Snapshot()
	}
	return snap
}
