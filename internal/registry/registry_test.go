package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdaq/daqd/internal/capability"
	"github.com/labdaq/daqd/internal/daqerr"
)

type stubDriver struct {
	id          string
	shutdownErr error
}

func (d stubDriver) ID() string { return d.id }
func (d stubDriver) Shutdown(ctx context.Context) error { return d.shutdownErr }

func TestRegisterAndGetCapability(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("mono1", stubDriver{id: "mono1"}, map[capability.Tag]any{
		capability.Movable: fakeMovable{},
	}))

	h, err := r.GetMovable("mono1")
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.GetCapability("mono1", capability.Readable)
	assert.ErrorIs(t, err, daqerr.ErrCapabilityUnsupported)
}

func TestRegisterDuplicateIDFails(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("d1", stubDriver{id: "d1"}, nil))
	err := r.Register("d1", stubDriver{id: "d1"}, nil)
	assert.ErrorIs(t, err, daqerr.ErrDuplicateID)
}

func TestGetCapabilityUnknownDevice(t *testing.T) {
	r := New(nil)
	_, err := r.GetCapability("ghost", capability.Readable)
	assert.ErrorIs(t, err, daqerr.ErrUnknownDevice)
}

func TestRegisterFromTOMLRoutesToFactory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "device.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("driver_type = \"fake\"\n"), 0o644))

	peek := func(path string) (string, error) { return "fake", nil }
	r := New(peek)
	r.RegisterFactory("fake", func(configPath string) (Driver, map[capability.Tag]any, error) {
		return stubDriver{id: "fromtoml"}, map[capability.Tag]any{capability.Readable: nil}, nil
	})

	require.NoError(t, r.RegisterFromTOML(cfgPath))
	assert.Contains(t, r.ListDevices(), "fromtoml")
}

func TestRegisterFromTOMLUnknownDriverType(t *testing.T) {
	peek := func(path string) (string, error) { return "nope", nil }
	r := New(peek)
	err := r.RegisterFromTOML("whatever.toml")
	assert.ErrorIs(t, err, daqerr.ErrUnknownDriverType)
}

func TestShutdownAllCollectsFailures(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("good", stubDriver{id: "good"}, nil))
	require.NoError(t, r.Register("bad", stubDriver{id: "bad", shutdownErr: assertErrShutdown}, nil))

	err := r.ShutdownAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, daqerr.ErrPartialShutdown)
}

var assertErrShutdown = daqerr.Device("stub.shutdown", nil)

type fakeMovable struct{}

func (fakeMovable) MoveAbs(ctx context.Context, pos float64) error   { return nil }
func (fakeMovable) MoveRel(ctx context.Context, delta float64) error { return nil }
func (fakeMovable) Position(ctx context.Context) (float64, error)    { return 0, nil }
func (fakeMovable) Stop(ctx context.Context) error                   { return nil }
func (fakeMovable) WaitSettled(ctx context.Context) error             { return nil }
