package powermonitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdaq/daqd/internal/capability"
	"github.com/labdaq/daqd/internal/fanout"
	"github.com/labdaq/daqd/internal/measurement"
	"github.com/labdaq/daqd/internal/module"
	"github.com/labdaq/daqd/internal/registry"
)

type rampMeter struct{ n atomic.Int64 }

func (r *rampMeter) Read(ctx context.Context) (measurement.Measurement, error) {
	v := float64(r.n.Add(1))
	return measurement.NewScalar("ramp", v), nil
}

type fakeDriver struct{ id string }

func (f fakeDriver) ID() string                         { return f.id }
func (f fakeDriver) Shutdown(ctx context.Context) error { return nil }

func TestWindowStatistics(t *testing.T) {
	stats := windowStatistics([]float64{1, 2, 3, 4, 5})
	assert.Equal(t, 3.0, stats["mean"])
	assert.Equal(t, 1.0, stats["min"])
	assert.Equal(t, 5.0, stats["max"])
	assert.Equal(t, 5, stats["count"])
}

func TestClassifyZones(t *testing.T) {
	assert.Equal(t, zoneLow, classify(-1, 0, 10))
	assert.Equal(t, zoneHigh, classify(11, 0, 10))
	assert.Equal(t, zoneNormal, classify(5, 0, 10))
}

func TestDescriptorShape(t *testing.T) {
	d := Descriptor()
	assert.Equal(t, TypeID, d.TypeID)
	assert.Len(t, d.RequiredRole, 1)
	assert.Equal(t, roleDeviceID, d.RequiredRole[0].ID)

	names := map[string]bool{}
	for _, p := range d.ParamCatalog {
		names[p.Name] = true
	}
	assert.True(t, names[paramSampleRateHz])
	assert.True(t, names[paramAveragingWindow])
}

func TestMonitorEmitsPowerAndThresholdEvents(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register("meter1", fakeDriver{id: "meter1"}, map[capability.Tag]any{
		capability.Readable: &rampMeter{},
	}))

	bus := fanout.New(fanout.DefaultConfig(), nil, nil)
	sub, err := bus.Subscribe("test", 64)
	require.NoError(t, err)

	inst := module.New("mon1", Descriptor(), NewFactory(), bus)
	_, err = inst.Configure(map[string]float64{
		"sample_rate_hz":     200,
		"averaging_window_s": 0.05,
		"high_threshold":     5,
	})
	require.NoError(t, err)
	require.NoError(t, inst.AssignDevice(roleDeviceID, "meter1", reg))
	require.NoError(t, inst.Start(context.Background()))

	var sawThresholdEvent bool
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case msg := <-sub.C():
			if msg.Kind == fanout.KindDocument && msg.Document.Kind == "event" &&
				msg.Document.Event != nil {
				if k, ok := msg.Document.Event.Data["kind"]; ok && k == "threshold_crossing" {
					sawThresholdEvent = true
					break loop
				}
			}
		case <-deadline:
			break loop
		}
	}
	require.NoError(t, inst.Stop(context.Background(), time.Second))
	assert.True(t, sawThresholdEvent, "expected at least one threshold_crossing event")
}
