package actor

import (
	"context"
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

type fakeDriver struct{ id string }

func (f fakeDriver) ID() string                        { return f.id }
func (f fakeDriver) Shutdown(ctx context.Context) error { return nil }

type fakeReadable struct{ value float64 }

func (f *fakeReadable) Read(ctx context.Context) (measurement.Measurement, error) {
	return measurement.NewScalar("fake", f.value), nil
}

func testType() module.TypeDescriptor {
	return module.TypeDescriptor{
		TypeID: "test_type",
		RequiredRole: []module.RoleSpec{
			{ID: "meter", Capability: capability.Readable},
		},
	}
}

type noopRunnable struct{}

func (noopRunnable) Run(ctx context.Context, mctx *module.Context) error {
	<-ctx.Done()
	return nil
}

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	reg := registry.New(nil)
	require.NoError(t, reg.Register("meter1", fakeDriver{id: "meter1"}, map[capability.Tag]any{
		capability.Readable: &fakeReadable{value: 42},
	}))
	bus := fanout.New(fanout.DefaultConfig(), nil, nil)
	types := module.NewTypeRegistry(bus)
	types.RegisterType(testType(), func() module.Runnable { return noopRunnable{} })

	a := New(reg, types, bus, nil, nil)
	a.Run(context.Background())
	t.Cleanup(a.Stop)
	return a
}

func TestActorListDevicesAndRead(t *testing.T) {
	a := newTestActor(t)
	assert.Equal(t, []string{"meter1"}, a.ListDevices())

	m, err := a.Read(context.Background(), "meter1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, m.Scalar)
}

func TestActorModuleLifecycleThroughQueue(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, a.CreateInstance(ctx, "inst1", "test_type"))
	assert.Contains(t, a.ListTypes(), "test_type")

	_, err := a.ConfigureInstance(ctx, "inst1", nil)
	require.NoError(t, err)
	require.NoError(t, a.AssignDevice(ctx, "inst1", "meter", "meter1"))
	require.NoError(t, a.StartInstance(ctx, "inst1"))

	instances := a.ListInstances()
	require.Len(t, instances, 1)
	assert.Equal(t, module.StateRunning, instances[0].State)

	require.NoError(t, a.StopInstance(ctx, "inst1", time.Second))
	instances = a.ListInstances()
	assert.Equal(t, module.StateStopped, instances[0].State)
}

func TestActorCreateInstanceRejectsDuplicateID(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	require.NoError(t, a.CreateInstance(ctx, "dup1", "test_type"))
	err := a.CreateInstance(ctx, "dup1", "test_type")
	assert.Error(t, err)
}

func TestActorSubscribeMeasurements(t *testing.T) {
	a := newTestActor(t)
	sub, err := a.SubscribeMeasurements("client1", 4)
	require.NoError(t, err)
	defer a.Unsubscribe(sub)

	snap := a.GetMetrics()
	require.Len(t, snap.Fanout.Subscribers, 1)
	assert.Equal(t, "client1", snap.Fanout.Subscribers[0].Name)
}

func TestActorCapabilityUnsupportedOnMismatchedDevice(t *testing.T) {
	a := newTestActor(t)
	_, err := a.GetWavelength(context.Background(), "meter1")
	assert.Error(t, err)
}
