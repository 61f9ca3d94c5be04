// Package powermonitor is the reference worked example from §4.8: a
// periodic module that samples a Readable power meter, maintains a sliding
// statistics window, and emits threshold-crossing events.
package powermonitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/labdaq/daqd/internal/capability"
	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/module"
)

// TypeID is the registration id for this module type.
const TypeID = "power_monitor"

const (
	paramSampleRateHz    = "sample_rate_hz"
	paramLowThreshold    = "low_threshold"
	paramHighThreshold   = "high_threshold"
	paramAveragingWindow = "averaging_window_s"

	roleDeviceID = "power_meter"
)

// Descriptor returns this type's registration record.
func Descriptor() module.TypeDescriptor {
	return module.TypeDescriptor{
		TypeID:      TypeID,
		DisplayName: "Power Monitor",
		Description: "Samples a power meter on a fixed interval, tracks a sliding-window mean/std/min/max, and raises threshold-crossing events.",
		Version:     "1.0.0",
		RequiredRole: []module.RoleSpec{
			{ID: roleDeviceID, Capability: capability.Readable},
		},
		ParamCatalog: []module.ParamSpec{
			{Name: paramSampleRateHz, Default: 1, HasRange: true, Min: 0.1, Max: 100, Unit: "Hz", Description: "Sampling frequency"},
			{Name: paramLowThreshold, Default: math.Inf(-1), Optional: true, Description: "Low threshold; crossing below emits a threshold_crossing event"},
			{Name: paramHighThreshold, Default: math.Inf(1), Optional: true, Description: "High threshold; crossing above emits a threshold_crossing event"},
			{Name: paramAveragingWindow, Default: 1, HasRange: true, Min: 0.1, Max: 60, Unit: "s", Description: "Sliding window duration for statistics"},
		},
		EventKinds: []string{"threshold_crossing"},
		DataTypes:  []string{"power", "statistics"},
	}
}

// NewFactory returns a module.Factory that mints fresh Monitor instances.
func NewFactory() module.Factory {
	return func() module.Runnable { return &Monitor{} }
}

// zone classifies the most recently sampled value against the configured
// thresholds.
type zone string

const (
	zoneNormal zone = "normal"
	zoneLow    zone = "low"
	zoneHigh   zone = "high"
)

// Monitor is the Runnable for one power_monitor instance.
type Monitor struct {
	window []float64
}

// Run samples the bound power_meter role at 1/sample_rate_hz, maintains a
// sliding window of ceil(sample_rate_hz * averaging_window_s) samples,
// emits a {value} power record every sample, a full statistics record every
// time the window is full, and a threshold_crossing event on every
// normal<->low/high zone transition.
func (m *Monitor) Run(ctx context.Context, mctx *module.Context) error {
	handle, err := mctx.GetCapability(roleDeviceID)
	if err != nil {
		return err
	}
	meter, ok := handle.(capability.ReadableHandle)
	if !ok {
		return daqerr.Lifecycle("power_monitor.run", fmt.Errorf("%w: power_meter role", daqerr.ErrCapabilityUnsupported))
	}

	sampleRateHz := paramValue(mctx, paramSampleRateHz, 1)
	period := time.Duration(float64(time.Second) / sampleRateHz)
	windowLen := int(math.Ceil(sampleRateHz * paramValue(mctx, paramAveragingWindow, 1)))
	if windowLen < 1 {
		windowLen = 1
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	currentZone := zoneNormal
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if mctx.IsShutdownRequested() {
				return nil
			}
			if mctx.IsPaused() {
				continue
			}
			if err := m.sample(ctx, mctx, meter, windowLen, &currentZone); err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) sample(ctx context.Context, mctx *module.Context, meter capability.ReadableHandle, windowLen int, currentZone *zone) error {
	meas, err := meter.Read(ctx)
	if err != nil {
		return daqerr.Device("power_monitor.sample", err)
	}
	value := meas.Scalar

	if err := mctx.EmitData("power", map[string]any{"value": value}); err != nil {
		return err
	}

	m.window = append(m.window, value)
	if len(m.window) > windowLen {
		m.window = m.window[len(m.window)-windowLen:]
	}
	if len(m.window) == windowLen {
		if err := mctx.EmitData("statistics", windowStatistics(m.window)); err != nil {
			return err
		}
	}

	low := paramValue(mctx, paramLowThreshold, math.Inf(-1))
	high := paramValue(mctx, paramHighThreshold, math.Inf(1))
	next := classify(value, low, high)
	if next != *currentZone {
		if err := mctx.EmitEvent("threshold_crossing", severityFor(next), transitionMessage(*currentZone, next), map[string]any{"value": value}); err != nil {
			return err
		}
		*currentZone = next
	}
	return nil
}

func classify(value, low, high float64) zone {
	switch {
	case value < low:
		return zoneLow
	case value > high:
		return zoneHigh
	default:
		return zoneNormal
	}
}

func severityFor(z zone) string {
	if z == zoneNormal {
		return "info"
	}
	return "warning"
}

func transitionMessage(from, to zone) string {
	return fmt.Sprintf("power monitor transitioned %s -> %s", from, to)
}

func windowStatistics(window []float64) map[string]any {
	sum, min, max := 0.0, window[0], window[0]
	for _, v := range window {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(window))
	return map[string]any{
		"mean":        mean,
		"std":         math.Sqrt(variance),
		"min":         min,
		"max":         max,
		"count":       len(window),
		"window_size": len(window),
	}
}

func paramValue(mctx *module.Context, name string, fallback float64) float64 {
	p, ok := mctx.Parameters().Get(name)
	if !ok {
		return fallback
	}
	return p.Get()
}
