// Package actor implements the central scheduler-task of §4.10: the single
// owner of the device registry, the module type/instance tables, and the
// fan-out sinks. It is the only component that may mutate the set of
// active module instances; every such mutation is funneled through a
// bounded command queue drained by one dedicated goroutine so concurrent
// RPC callers never race each other over instance creation or lifecycle
// transitions. Device capability calls (move_abs, read, ...) bypass the
// queue and go straight to the registry, which already serializes at the
// port/driver level — queuing them again would only add latency.
//
// Grounded on the teacher's engine.Engine facade: one struct owning every
// subsystem, an atomic started flag, and a Snapshot()-style introspection
// method, generalized from a single crawl-engine lifecycle to an actor
// whose command queue admits many independently lifecycled module
// instances.
package actor

import (
	"context"
	"fmt"
	"sync"

	"log/slog"

	"github.com/labdaq/daqd/internal/capability"
	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/docwriter"
	"github.com/labdaq/daqd/internal/document"
	"github.com/labdaq/daqd/internal/fanout"
	"github.com/labdaq/daqd/internal/measurement"
	"github.com/labdaq/daqd/internal/module"
	"github.com/labdaq/daqd/internal/parameter"
	"github.com/labdaq/daqd/internal/registry"
)

// commandExecutor is the optional interface a driver may implement to serve
// execute_device_command; serial.Driver is the only implementer today.
type commandExecutor interface {
	ExecuteCommand(ctx context.Context, cmdName string, override map[string]float64) (map[string]any, error)
}

type cmdResult struct {
	val any
	err error
}

type queuedCmd struct {
	fn     func() (any, error)
	result chan cmdResult
}

// Actor is the central command-processing facade.
type Actor struct {
	reg    *registry.Registry
	types  *module.TypeRegistry
	bus    fanout.Bus
	writer *docwriter.Writer
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*module.Instance

	cmdCh  chan queuedCmd
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Actor over an already-configured registry, module type
// registry, and fan-out bus. writer may be nil if documents are not being
// persisted in this process.
func New(reg *registry.Registry, types *module.TypeRegistry, bus fanout.Bus, writer *docwriter.Writer, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actor{
		reg:       reg,
		types:     types,
		bus:       bus,
		writer:    writer,
		logger:    logger,
		instances: make(map[string]*module.Instance),
		cmdCh:     make(chan queuedCmd, 256),
	}
}

// Run starts the actor's command-processing goroutine. It returns
// immediately; call Stop to shut it down.
func (a *Actor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		for {
			select {
			case <-runCtx.Done():
				return
			case c := <-a.cmdCh:
				val, err := c.fn()
				c.result <- cmdResult{val: val, err: err}
			}
		}
	}()
}

// Stop cancels the command loop and waits for it to drain.
func (a *Actor) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
}

// submit enqueues fn and blocks until it has run on the actor's single
// goroutine, or ctx is cancelled first.
func (a *Actor) submit(ctx context.Context, fn func() (any, error)) (any, error) {
	q := queuedCmd{fn: fn, result: make(chan cmdResult, 1)}
	select {
	case a.cmdCh <- q:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-q.result:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- device/registry commands -------------------------------------------

// ListDevices returns every registered device id. Read-only; bypasses the
// queue since Registry is already safe under concurrent reads.
func (a *Actor) ListDevices() []string { return a.reg.ListDevices() }

// RegisterFromTOML constructs and registers a device driver from a config
// file, serialized through the command queue since it mutates the shared
// registry.
func (a *Actor) RegisterFromTOML(ctx context.Context, path string) error {
	_, err := a.submit(ctx, func() (any, error) { return nil, a.reg.RegisterFromTOML(path) })
	return err
}

func (a *Actor) movable(id string) (capability.MovableHandle, error) { return a.reg.GetMovable(id) }

func (a *Actor) MoveAbs(ctx context.Context, deviceID string, pos float64) error {
	h, err := a.movable(deviceID)
	if err != nil {
		return err
	}
	return h.MoveAbs(ctx, pos)
}

func (a *Actor) MoveRel(ctx context.Context, deviceID string, delta float64) error {
	h, err := a.movable(deviceID)
	if err != nil {
		return err
	}
	return h.MoveRel(ctx, delta)
}

func (a *Actor) WaitSettled(ctx context.Context, deviceID string) error {
	h, err := a.movable(deviceID)
	if err != nil {
		return err
	}
	return h.WaitSettled(ctx)
}

func (a *Actor) StopDevice(ctx context.Context, deviceID string) error {
	h, err := a.movable(deviceID)
	if err != nil {
		return err
	}
	return h.Stop(ctx)
}

func (a *Actor) Read(ctx context.Context, deviceID string) (measurement.Measurement, error) {
	h, err := a.reg.GetReadable(deviceID)
	if err != nil {
		return measurement.Measurement{}, err
	}
	return h.Read(ctx)
}

func (a *Actor) shutter(deviceID string) (capability.ShutterControlHandle, error) {
	h, err := a.reg.GetCapability(deviceID, capability.ShutterControl)
	if err != nil {
		return nil, err
	}
	sc, ok := h.(capability.ShutterControlHandle)
	if !ok {
		return nil, daqerr.Lifecycle("actor.shutter", fmt.Errorf("%w: %s", daqerr.ErrCapabilityUnsupported, deviceID))
	}
	return sc, nil
}

func (a *Actor) OpenShutter(ctx context.Context, deviceID string) error {
	h, err := a.shutter(deviceID)
	if err != nil {
		return err
	}
	return h.Open(ctx)
}

func (a *Actor) CloseShutter(ctx context.Context, deviceID string) error {
	h, err := a.shutter(deviceID)
	if err != nil {
		return err
	}
	return h.Close(ctx)
}

func (a *Actor) IsShutterOpen(ctx context.Context, deviceID string) (bool, error) {
	h, err := a.shutter(deviceID)
	if err != nil {
		return false, err
	}
	return h.IsOpen(ctx)
}

func (a *Actor) wavelength(deviceID string) (capability.WavelengthTunableHandle, error) {
	h, err := a.reg.GetCapability(deviceID, capability.WavelengthTunable)
	if err != nil {
		return nil, err
	}
	wt, ok := h.(capability.WavelengthTunableHandle)
	if !ok {
		return nil, daqerr.Lifecycle("actor.wavelength", fmt.Errorf("%w: %s", daqerr.ErrCapabilityUnsupported, deviceID))
	}
	return wt, nil
}

func (a *Actor) SetWavelength(ctx context.Context, deviceID string, nm float64) error {
	h, err := a.wavelength(deviceID)
	if err != nil {
		return err
	}
	return h.SetWavelength(ctx, nm)
}

func (a *Actor) GetWavelength(ctx context.Context, deviceID string) (float64, error) {
	h, err := a.wavelength(deviceID)
	if err != nil {
		return 0, err
	}
	return h.Wavelength(ctx)
}

func (a *Actor) emission(deviceID string) (capability.EmissionControlHandle, error) {
	h, err := a.reg.GetCapability(deviceID, capability.EmissionControl)
	if err != nil {
		return nil, err
	}
	ec, ok := h.(capability.EmissionControlHandle)
	if !ok {
		return nil, daqerr.Lifecycle("actor.emission", fmt.Errorf("%w: %s", daqerr.ErrCapabilityUnsupported, deviceID))
	}
	return ec, nil
}

func (a *Actor) EnableEmission(ctx context.Context, deviceID string) error {
	h, err := a.emission(deviceID)
	if err != nil {
		return err
	}
	err = h.EnableEmission(ctx)
	if kind, ok := daqerr.KindOf(err); ok && kind == daqerr.KindSafety {
		a.logger.Warn("safety interlock refused emission enable",
			"device_id", deviceID, "error", err)
	}
	return err
}

func (a *Actor) DisableEmission(ctx context.Context, deviceID string) error {
	h, err := a.emission(deviceID)
	if err != nil {
		return err
	}
	return h.DisableEmission(ctx)
}

func (a *Actor) EmissionEnabled(ctx context.Context, deviceID string) (bool, error) {
	h, err := a.emission(deviceID)
	if err != nil {
		return false, err
	}
	return h.EmissionEnabled(ctx)
}

func (a *Actor) parameterized(deviceID string) (capability.ParameterizedHandle, error) {
	h, err := a.reg.GetCapability(deviceID, capability.Parameterized)
	if err != nil {
		return nil, err
	}
	p, ok := h.(capability.ParameterizedHandle)
	if !ok {
		return nil, daqerr.Lifecycle("actor.parameterized", fmt.Errorf("%w: %s", daqerr.ErrCapabilityUnsupported, deviceID))
	}
	return p, nil
}

func (a *Actor) GetParameter(deviceID, name string) (float64, error) {
	h, err := a.parameterized(deviceID)
	if err != nil {
		return 0, err
	}
	return h.GetParameter(name)
}

func (a *Actor) SetParameter(ctx context.Context, deviceID, name string, value float64) error {
	h, err := a.parameterized(deviceID)
	if err != nil {
		return err
	}
	return h.SetParameter(ctx, name, value)
}

func (a *Actor) ListParameters(deviceID string) ([]parameter.Descriptor, error) {
	h, err := a.parameterized(deviceID)
	if err != nil {
		return nil, err
	}
	return h.ListParameters(), nil
}

// ExecuteDeviceCommand runs a device-specific named command that no
// capability trait covers, via the driver's optional commandExecutor
// interface.
func (a *Actor) ExecuteDeviceCommand(ctx context.Context, deviceID, cmdName string, override map[string]float64) (map[string]any, error) {
	drv, err := a.reg.GetDriver(deviceID)
	if err != nil {
		return nil, err
	}
	ce, ok := drv.(commandExecutor)
	if !ok {
		return nil, daqerr.Lifecycle("actor.execute_device_command", fmt.Errorf("%w: %s does not support execute_device_command", daqerr.ErrCapabilityUnsupported, deviceID))
	}
	return ce.ExecuteCommand(ctx, cmdName, override)
}

// --- stream/metrics commands ---------------------------------------------

// SubscribeMeasurements hands back a live subscription on the fan-out bus.
// Callers filter by Message.Kind/Measurement.Kind as needed; the actor does
// not split the bus into separate measurement/frame channels.
func (a *Actor) SubscribeMeasurements(name string, buffer int) (fanout.Subscription, error) {
	return a.bus.Subscribe(name, buffer)
}

// SubscribeFrames is SubscribeMeasurements under a distinct RPC name for
// clients that only want image-kind measurements; the filtering itself
// happens client-side against Measurement.Kind == measurement.KindImage.
func (a *Actor) SubscribeFrames(name string, buffer int) (fanout.Subscription, error) {
	return a.bus.Subscribe(name, buffer)
}

// Unsubscribe releases a subscription obtained from either Subscribe call.
func (a *Actor) Unsubscribe(sub fanout.Subscription) error { return a.bus.Unsubscribe(sub) }

// SubmitDocument pushes doc to the document writer, if one is configured.
func (a *Actor) SubmitDocument(doc document.Document) error {
	if a.writer == nil {
		return nil
	}
	return a.writer.Submit(doc)
}
