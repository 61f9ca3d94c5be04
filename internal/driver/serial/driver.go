package serial

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/labdaq/daqd/internal/capability"
	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/measurement"
	"github.com/labdaq/daqd/internal/parameter"
	"github.com/labdaq/daqd/internal/registry"
)

// legacyBucket is the historical alternate trait-mapping bucket consulted
// only for Movable, after the canonical bucket misses. See design note in
// spec §9: "canonical-first, legacy-fallback", with a one-time deprecation
// warning when a device resolves only through it.
const legacyBucket = "MovableLegacy"

// Driver interprets a precompiled InstrumentConfig against a shared
// PortManager. One Driver serves one logical device; several Drivers may
// share one PortManager for RS-485 multidrop.
type Driver struct {
	cfg    *InstrumentConfig
	port   *PortManager
	params *parameter.Registry
	logger *slog.Logger

	mu       sync.RWMutex
	degraded bool

	legacyWarnedOnce atomic.Bool
}

// New constructs a Driver from a precompiled config and an already-open
// port, seeds its parameter registry from the config's declared defaults,
// and runs the optional init sequence. A failing init sequence aborts
// bring-up.
func New(ctx context.Context, cfg *InstrumentConfig, port *PortManager, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{cfg: cfg, port: port, params: parameter.NewRegistry(), logger: logger}
	for name, spec := range cfg.ParamDefaults {
		opts := []parameter.Option{}
		if spec.Min != nil && spec.Max != nil {
			opts = append(opts, parameter.WithRange(*spec.Min, *spec.Max))
		}
		if spec.Unit != "" {
			opts = append(opts, parameter.WithUnit(spec.Unit))
		}
		if spec.Description != "" {
			opts = append(opts, parameter.WithDescription(spec.Description))
		}
		d.params.Add(parameter.New(name, spec.Default, opts...))
	}
	for _, cmdName := range cfg.InitSequence {
		if _, err := d.sendCommand(ctx, cmdName, nil); err != nil {
			return nil, daqerr.Configuration("driver.init", fmt.Errorf("init command %s: %w", cmdName, err))
		}
	}
	return d, nil
}

// ID implements registry.Driver.
func (d *Driver) ID() string { return d.cfg.ID }

// Shutdown implements registry.Driver; the serial driver has no hardware
// shutdown sequence of its own, the PortManager (shared across drivers on
// one port) is closed by its owner once every driver referencing it has
// shut down.
func (d *Driver) Shutdown(ctx context.Context) error { return nil }

// Capabilities returns the set of capability handles this driver advertises,
// derived from which capability buckets its trait_mapping table declares,
// for use with registry.Register.
func (d *Driver) Capabilities() map[capability.Tag]any {
	caps := map[capability.Tag]any{capability.Parameterized: driverParameterized{d}}
	for capName := range d.cfg.TraitMapping {
		switch capability.Tag(capName) {
		case capability.Movable, legacyBucket:
			caps[capability.Movable] = driverMovable{d}
		case capability.Readable:
			caps[capability.Readable] = driverReadable{d}
		case capability.ShutterControl:
			caps[capability.ShutterControl] = driverShutter{d}
		case capability.WavelengthTunable:
			caps[capability.WavelengthTunable] = driverWavelength{d}
		case capability.EmissionControl:
			caps[capability.EmissionControl] = driverEmission{d}
		}
	}
	return caps
}

func (d *Driver) isDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degraded
}

func (d *Driver) setDegraded() {
	d.mu.Lock()
	d.degraded = true
	d.mu.Unlock()
}

// resolveBinding looks up a method entry under capName, falling back to the
// legacy bucket for Movable only, emitting a one-time deprecation warning
// when resolution only succeeds through it.
func (d *Driver) resolveBinding(capName, method string) (MethodBinding, bool) {
	if bucket, ok := d.cfg.TraitMapping[capName]; ok {
		if b, ok := bucket[method]; ok {
			return b, true
		}
	}
	if capName == string(capability.Movable) {
		if bucket, ok := d.cfg.TraitMapping[legacyBucket]; ok {
			if b, ok := bucket[method]; ok {
				if d.legacyWarnedOnce.CompareAndSwap(false, true) {
					d.logger.Warn("trait mapping resolved via legacy bucket",
						"device", d.cfg.ID, "capability", capName, "method", method)
				}
				return b, true
			}
		}
	}
	return MethodBinding{}, false
}

// invokeResult is the decoded response of a trait-mapped method call, if any.
type invokeResult struct {
	fields map[string]any
}

// invoke drives the capability binding call flow of §4.3.5: apply the input
// conversion (if any), format and send the bound command, decode the
// response (if expected), and return it for the caller to extract an output
// field from.
func (d *Driver) invoke(ctx context.Context, capName, method string, input *float64) (*invokeResult, error) {
	binding, ok := d.resolveBinding(capName, method)
	if !ok {
		return nil, daqerr.Lifecycle("driver.invoke",
			fmt.Errorf("%w: %s.%s", daqerr.ErrCapabilityUnsupported, capName, method))
	}
	if binding.CommandName == "" {
		return &invokeResult{}, nil
	}

	var paramOverride map[string]float64
	if input != nil && binding.InputParam != "" {
		val := *input
		if binding.InputConversion != "" {
			conv, ok := d.cfg.Conversions[binding.InputConversion]
			if !ok {
				return nil, daqerr.Configuration("driver.invoke",
					fmt.Errorf("unknown conversion %s", binding.InputConversion))
			}
			v, err := conv.Apply(ctx, val, d.params)
			if err != nil {
				return nil, err
			}
			val = v
		}
		paramOverride = map[string]float64{binding.InputParam: val}
	}

	fields, err := d.sendCommand(ctx, binding.CommandName, paramOverride)
	if err != nil {
		return nil, err
	}
	return &invokeResult{fields: fields}, nil
}

// extractOutput pulls the output field from a bound invocation's decoded
// response and applies the output conversion, if declared.
func (d *Driver) extractOutput(ctx context.Context, binding MethodBinding, res *invokeResult) (float64, bool, error) {
	if binding.OutputField == "" || res == nil || res.fields == nil {
		return 0, false, nil
	}
	raw, ok := res.fields[binding.OutputField]
	if !ok {
		return 0, false, nil
	}
	val, err := toFloat64(raw)
	if err != nil {
		return 0, false, daqerr.Protocol("driver.extract_output", err)
	}
	if binding.OutputConversion != "" {
		conv, ok := d.cfg.Conversions[binding.OutputConversion]
		if !ok {
			return 0, false, daqerr.Configuration("driver.extract_output", fmt.Errorf("unknown conversion %s", binding.OutputConversion))
		}
		val, err = conv.Apply(ctx, val, d.params)
		if err != nil {
			return 0, false, err
		}
	}
	return val, true, nil
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		return 0, fmt.Errorf("cannot coerce string field %q to float64", x)
	default:
		return 0, fmt.Errorf("unsupported field value type %T", v)
	}
}

// ExecuteCommand runs a named command declared in this device's
// [commands] section directly, bypassing the capability/trait-mapping
// layer. This is the escape hatch behind the RPC boundary's
// execute_device_command operation for device-specific commands no
// capability trait covers.
func (d *Driver) ExecuteCommand(ctx context.Context, cmdName string, override map[string]float64) (map[string]any, error) {
	return d.sendCommand(ctx, cmdName, override)
}

// sendCommand formats cmdName (overriding any of its placeholders with
// override) and runs it as a transaction, decoding the declared response (if
// any) and searching the error table against the trimmed reply.
func (d *Driver) sendCommand(ctx context.Context, cmdName string, override map[string]float64) (map[string]any, error) {
	if d.isDegraded() {
		return nil, daqerr.Device("driver.send_command", fmt.Errorf("device %s is degraded after an unrecoverable error", d.cfg.ID))
	}
	cmd, ok := d.cfg.Commands[cmdName]
	if !ok {
		return nil, daqerr.Protocol("driver.send_command", fmt.Errorf("%w: %s", daqerr.ErrUnknownCommand, cmdName))
	}
	encoded, err := cmd.template.Encode(d.cfg.Connection.Address, override, d.params)
	if err != nil {
		return nil, err
	}

	payload, err := d.port.Transaction(encoded, d.cfg.Connection.TxTerminator, cmd.expectsResponse,
		d.cfg.settleDelay(), d.cfg.responseTimeout())
	if err != nil {
		return nil, err
	}

	if de := d.cfg.Errors.match(payload); de != nil {
		if !de.Recoverable {
			d.setDegraded()
		}
		return nil, asDriverError("driver.send_command", de)
	}
	if !cmd.expectsResponse || cmd.responseName == "" {
		return nil, nil
	}
	resp, ok := d.cfg.Responses[cmd.responseName]
	if !ok {
		return nil, daqerr.Protocol("driver.send_command", fmt.Errorf("%w: %s", daqerr.ErrUnknownResponse, cmd.responseName))
	}
	fields, matched, err := resp.Decode(payload)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, daqerr.Protocol("driver.send_command", fmt.Errorf("%w: reply %q did not match %s", daqerr.ErrResponseParse, payload, cmd.responseName))
	}
	return fields, nil
}

// ---- capability handle adapters -------------------------------------------------

type driverMovable struct{ d *Driver }

func (m driverMovable) MoveAbs(ctx context.Context, pos float64) error {
	_, err := m.d.invoke(ctx, string(capability.Movable), "move_abs", &pos)
	return err
}
func (m driverMovable) MoveRel(ctx context.Context, delta float64) error {
	_, err := m.d.invoke(ctx, string(capability.Movable), "move_rel", &delta)
	return err
}
func (m driverMovable) Position(ctx context.Context) (float64, error) {
	binding, ok := m.d.resolveBinding(string(capability.Movable), "position")
	if !ok {
		return 0, daqerr.Lifecycle("movable.position", fmt.Errorf("%w: position", daqerr.ErrCapabilityUnsupported))
	}
	res, err := m.d.invoke(ctx, string(capability.Movable), "position", nil)
	if err != nil {
		return 0, err
	}
	val, _, err := m.d.extractOutput(ctx, binding, res)
	return val, err
}
func (m driverMovable) Stop(ctx context.Context) error {
	_, err := m.d.invoke(ctx, string(capability.Movable), "stop", nil)
	return err
}
func (m driverMovable) WaitSettled(ctx context.Context) error {
	if _, ok := m.d.resolveBinding(string(capability.Movable), "wait_settled"); !ok {
		return nil
	}
	_, err := m.d.invoke(ctx, string(capability.Movable), "wait_settled", nil)
	return err
}

type driverReadable struct{ d *Driver }

func (r driverReadable) Read(ctx context.Context) (measurement.Measurement, error) {
	binding, ok := r.d.resolveBinding(string(capability.Readable), "read")
	if !ok {
		return measurement.Measurement{}, daqerr.Lifecycle("readable.read", fmt.Errorf("%w: read", daqerr.ErrCapabilityUnsupported))
	}
	res, err := r.d.invoke(ctx, string(capability.Readable), "read", nil)
	if err != nil {
		return measurement.Measurement{}, err
	}
	val, _, err := r.d.extractOutput(ctx, binding, res)
	if err != nil {
		return measurement.Measurement{}, err
	}
	return measurement.NewScalar(r.d.cfg.ID, val), nil
}

type driverShutter struct{ d *Driver }

func (s driverShutter) Open(ctx context.Context) error {
	_, err := s.d.invoke(ctx, string(capability.ShutterControl), "open", nil)
	return err
}
func (s driverShutter) Close(ctx context.Context) error {
	_, err := s.d.invoke(ctx, string(capability.ShutterControl), "close", nil)
	return err
}
func (s driverShutter) IsOpen(ctx context.Context) (bool, error) {
	binding, ok := s.d.resolveBinding(string(capability.ShutterControl), "is_open")
	if !ok {
		return false, daqerr.Lifecycle("shutter.is_open", fmt.Errorf("%w: is_open", daqerr.ErrCapabilityUnsupported))
	}
	res, err := s.d.invoke(ctx, string(capability.ShutterControl), "is_open", nil)
	if err != nil {
		return false, err
	}
	val, _, err := s.d.extractOutput(ctx, binding, res)
	if err != nil {
		return false, err
	}
	return val != 0, nil
}

type driverWavelength struct{ d *Driver }

func (w driverWavelength) SetWavelength(ctx context.Context, nm float64) error {
	min, max := w.WavelengthRange()
	if nm < min || nm > max {
		return daqerr.Protocol("wavelength.set", fmt.Errorf("%w: %v not in [%v,%v]", daqerr.ErrOutOfRange, nm, min, max))
	}
	_, err := w.d.invoke(ctx, string(capability.WavelengthTunable), "set_wavelength", &nm)
	return err
}
func (w driverWavelength) Wavelength(ctx context.Context) (float64, error) {
	binding, ok := w.d.resolveBinding(string(capability.WavelengthTunable), "wavelength")
	if !ok {
		return 0, daqerr.Lifecycle("wavelength.get", fmt.Errorf("%w: wavelength", daqerr.ErrCapabilityUnsupported))
	}
	res, err := w.d.invoke(ctx, string(capability.WavelengthTunable), "wavelength", nil)
	if err != nil {
		return 0, err
	}
	val, _, err := w.d.extractOutput(ctx, binding, res)
	return val, err
}
func (w driverWavelength) WavelengthRange() (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	if p, ok := w.d.params.Get("wavelength_min"); ok {
		lo = p.Get()
	}
	if p, ok := w.d.params.Get("wavelength_max"); ok {
		hi = p.Get()
	}
	return lo, hi
}

type driverEmission struct{ d *Driver }

func (e driverEmission) EnableEmission(ctx context.Context) error {
	if shutter, ok := e.d.Capabilities()[capability.ShutterControl]; ok {
		open, err := shutter.(capability.ShutterControlHandle).IsOpen(ctx)
		if err != nil || open {
			return daqerr.Safety("emission.enable", fmt.Errorf("refused: shutter open=%v err=%v", open, err))
		}
	}
	_, err := e.d.invoke(ctx, string(capability.EmissionControl), "enable_emission", nil)
	return err
}
func (e driverEmission) DisableEmission(ctx context.Context) error {
	_, err := e.d.invoke(ctx, string(capability.EmissionControl), "disable_emission", nil)
	return err
}
func (e driverEmission) EmissionEnabled(ctx context.Context) (bool, error) {
	binding, ok := e.d.resolveBinding(string(capability.EmissionControl), "emission_enabled")
	if !ok {
		return false, daqerr.Lifecycle("emission.enabled", fmt.Errorf("%w: emission_enabled", daqerr.ErrCapabilityUnsupported))
	}
	res, err := e.d.invoke(ctx, string(capability.EmissionControl), "emission_enabled", nil)
	if err != nil {
		return false, err
	}
	val, _, err := e.d.extractOutput(ctx, binding, res)
	return val != 0, err
}

type driverParameterized struct{ d *Driver }

func (p driverParameterized) GetParameter(name string) (float64, error) {
	param, ok := p.d.params.Get(name)
	if !ok {
		return 0, daqerr.Lifecycle("parameterized.get", fmt.Errorf("unknown parameter %s", name))
	}
	return param.Get(), nil
}
func (p driverParameterized) SetParameter(ctx context.Context, name string, value float64) error {
	param, ok := p.d.params.Get(name)
	if !ok {
		return daqerr.Lifecycle("parameterized.set", fmt.Errorf("unknown parameter %s", name))
	}
	return param.Set(ctx, value)
}
func (p driverParameterized) ListParameters() []parameter.Descriptor {
	return p.d.params.List()
}

// Factory builds a registry.Factory for the serial driver type, sharing one
// PortManager across every device configured against the same physical port.
func Factory(ports *PortPool, logger *slog.Logger) registry.Factory {
	return func(configPath string) (registry.Driver, map[capability.Tag]any, error) {
		cfg, err := LoadInstrumentConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		port, err := ports.Get(cfg.Connection)
		if err != nil {
			return nil, nil, err
		}
		d, err := New(context.Background(), cfg, port, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Capabilities(), nil
	}
}

// PortPool shares one PortManager per physical port path across every
// driver configured against it (RS-485 multidrop).
type PortPool struct {
	mu    sync.Mutex
	ports map[string]*PortManager
}

func NewPortPool() *PortPool { return &PortPool{ports: make(map[string]*PortManager)} }

func (pp *PortPool) Get(conn connectionSection) (*PortManager, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pm, ok := pp.ports[conn.Port]; ok {
		return pm, nil
	}
	pm, err := OpenPort(conn)
	if err != nil {
		return nil, err
	}
	pp.ports[conn.Port] = pm
	return pm, nil
}

// CloseAll closes every distinct physical port opened by this pool.
func (pp *PortPool) CloseAll() error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	var firstErr error
	for path, pm := range pp.ports {
		if err := pm.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", path, err)
		}
	}
	return firstErr
}
