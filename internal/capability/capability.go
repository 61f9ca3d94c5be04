// Package capability declares the uniform, capability-typed contracts a
// device driver may advertise. Devices are never organized by inheritance:
// the registry looks up a (device id, capability tag) pair and returns a
// handle satisfying the requested interface, regardless of the concrete
// driver behind it.
package capability

import (
	"context"

	"github.com/labdaq/daqd/internal/measurement"
	"github.com/labdaq/daqd/internal/parameter"
)

// Tag names a capability contract for registry lookup and trait-mapping
// tables. Using a distinct string type (rather than bare string) keeps
// lookups self-documenting at call sites.
type Tag string

const (
	Movable           Tag = "Movable"
	Readable          Tag = "Readable"
	ShutterControl    Tag = "ShutterControl"
	WavelengthTunable Tag = "WavelengthTunable"
	EmissionControl   Tag = "EmissionControl"
	Camera            Tag = "Camera"
	Parameterized     Tag = "Parameterized"
)

// MovableHandle drives a motorized stage or rotation mount. MoveAbs is
// idempotent positionally; MoveRel composes with the last commanded
// position; Position returns the last known position, not necessarily
// hardware re-queried; Stop is idempotent and always succeeds while the
// driver is alive.
type MovableHandle interface {
	MoveAbs(ctx context.Context, pos float64) error
	MoveRel(ctx context.Context, delta float64) error
	Position(ctx context.Context) (float64, error)
	Stop(ctx context.Context) error
	WaitSettled(ctx context.Context) error
}

// ReadableHandle produces a Measurement on demand (power meters, DAQ boards).
type ReadableHandle interface {
	Read(ctx context.Context) (measurement.Measurement, error)
}

// ShutterControlHandle opens/closes an optical shutter. Both operations are
// idempotent.
type ShutterControlHandle interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	IsOpen(ctx context.Context) (bool, error)
}

// WavelengthTunableHandle drives a tunable laser. WavelengthRange is a
// static-per-device pair fetched once at bring-up; SetWavelength fails with
// OutOfRange outside that pair, inclusive of both endpoints.
type WavelengthTunableHandle interface {
	SetWavelength(ctx context.Context, nm float64) error
	Wavelength(ctx context.Context) (float64, error)
	WavelengthRange() (min, max float64)
}

// EmissionControlHandle gates laser emission. Implementations must refuse
// EnableEmission whenever the most recent ShutterControl.IsOpen observation
// returned true or failed (the safety interlock in spec §8 property 8).
type EmissionControlHandle interface {
	EnableEmission(ctx context.Context) error
	DisableEmission(ctx context.Context) error
	EmissionEnabled(ctx context.Context) (bool, error)
}

// CameraHandle captures frames into loans borrowed from a frame pool. The
// pool type itself lives in internal/framepool; Camera only needs to hand
// back something the caller can read pixel bytes from, so it returns the
// narrow FrameView it was loaned rather than importing the whole pool API.
type FrameView interface {
	Bytes() []byte
	Width() int
	Height() int
	BitDepth() int
	FrameNumber() uint64
}

type CameraHandle interface {
	CaptureFrame(ctx context.Context) (FrameView, func(), error)
}

// ParameterizedHandle exposes a device's parameter registry for generic
// get/set/introspection through the RPC/scripting boundary.
type ParameterizedHandle interface {
	GetParameter(name string) (float64, error)
	SetParameter(ctx context.Context, name string, value float64) error
	ListParameters() []parameter.Descriptor
}
