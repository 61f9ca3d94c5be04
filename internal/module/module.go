// Package module implements the Module runtime of §4.8: a typed,
// hot-swappable unit of periodic or event-driven logic bound to one or more
// device roles, running as a single goroutine per instance and driving the
// document protocol for whatever it chooses to persist.
//
// Grounded on the teacher's engine.Engine facade (atomic.Bool started flag,
// idempotent Stop, Snapshot-style introspection) generalized from a single
// process-wide engine to many independently lifecycled instances, each
// carrying its own state machine instead of the teacher's one-shot
// started/not-started flag.
package module

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labdaq/daqd/internal/capability"
	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/document"
	"github.com/labdaq/daqd/internal/fanout"
	"github.com/labdaq/daqd/internal/parameter"
	"github.com/labdaq/daqd/internal/registry"
)

// State is one node of the module lifecycle state machine.
type State string

const (
	StateCreated    State = "created"
	StateConfigured State = "configured"
	StateStaged     State = "staged"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

// transitions enumerates the admissible state graph. A lateral move to
// StateError is always legal regardless of current state and is not listed
// here; it is checked separately in setState.
var transitions = map[State]map[State]bool{
	StateCreated:    {StateConfigured: true},
	StateConfigured: {StateConfigured: true, StateStaged: true, StateRunning: true},
	StateStaged:     {StateConfigured: true, StateRunning: true},
	StateRunning:    {StatePaused: true, StateStopped: true},
	StatePaused:     {StateRunning: true, StateStopped: true},
	StateStopped:    {StateConfigured: true},
	StateError:      {StateConfigured: true, StateStopped: true},
}

// RoleSpec names one device role a module type requires or may optionally
// use, and the capability its bound device must advertise.
type RoleSpec struct {
	ID         string
	Capability capability.Tag
	Optional   bool
}

// ParamSpec describes one entry in a module type's parameter catalog.
// Ranges mirror parameter.Range; a module instance materializes these into
// its own parameter.Registry at construction.
type ParamSpec struct {
	Name        string
	Default     float64
	HasRange    bool
	Min, Max    float64
	Unit        string
	Optional    bool
	Description string
}

// TypeDescriptor is the registration record a module type publishes: what
// roles it needs, what parameters it accepts, and what it emits.
type TypeDescriptor struct {
	TypeID       string
	DisplayName  string
	Description  string
	Version      string
	RequiredRole []RoleSpec
	OptionalRole []RoleSpec
	ParamCatalog []ParamSpec
	EventKinds   []string
	DataTypes    []string
}

// Runnable is the behavior a concrete module type implements. Run is called
// once per Start and must return when ctx is cancelled; it should check
// Context.IsPaused periodically and skip its periodic work (without
// releasing roles) while paused, per §4.8's cooperative pause contract.
type Runnable interface {
	Run(ctx context.Context, mctx *Context) error
}

// Factory constructs a fresh Runnable for one module instance.
type Factory func() Runnable

// Context is the narrow collaborator surface a running module sees. It
// never exposes the Instance's state machine directly, so a module cannot
// transition itself out from under its own Stop handling.
type Context struct {
	inst *Instance
}

// GetCapability resolves a bound role to its capability handle. Fails with
// ErrRoleUnbound if roleID was never bound via AssignDevice.
func (c *Context) GetCapability(roleID string) (any, error) {
	c.inst.mu.RLock()
	defer c.inst.mu.RUnlock()
	h, ok := c.inst.roles[roleID]
	if !ok {
		return nil, daqerr.Lifecycle("module.get_capability", fmt.Errorf("%w: %s", daqerr.ErrRoleUnbound, roleID))
	}
	return h, nil
}

// Parameters returns the instance's parameter registry.
func (c *Context) Parameters() *parameter.Registry { return c.inst.params }

// EmitData writes one Event document against dataType's lazily-created
// descriptor, keyed by this call's data fields, and broadcasts it on the
// fan-out bus.
func (c *Context) EmitData(dataType string, data map[string]any) error {
	return c.inst.emitData(dataType, data)
}

// EmitEvent records an operational (non-data) occurrence: a threshold
// crossing, a recoverable fault, a state note. Represented as an Event
// document against a fixed "module_events" descriptor so it rides the same
// document protocol instead of a second ad hoc channel.
func (c *Context) EmitEvent(kind, severity, message string, data map[string]any) error {
	return c.inst.emitEvent(kind, severity, message, data)
}

// IsShutdownRequested reports whether Stop has been called and the module
// should wind down at its next opportunity.
func (c *Context) IsShutdownRequested() bool { return c.inst.shutdown.Load() }

// IsPaused reports whether the module is paused. A paused module keeps its
// bound roles and goroutine alive but must not perform periodic work.
func (c *Context) IsPaused() bool { return c.inst.paused.Load() }

// Instance is one running (or not yet running) module: a TypeDescriptor, a
// set of bound roles, a parameter registry, and a state machine.
type Instance struct {
	id      string
	desc    TypeDescriptor
	factory Factory

	mu    sync.RWMutex
	state State
	roles map[string]any

	params *parameter.Registry
	bus    fanout.Bus

	seq          *document.Sequencer
	dataDescs    map[string]string // data type -> descriptor uid
	eventDescUID string

	runnable Runnable
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error

	shutdown atomic.Bool
	paused   atomic.Bool
}

// New constructs an Instance in StateCreated. bus may be nil to disable
// document/event emission (useful in tests that only exercise the FSM).
func New(id string, desc TypeDescriptor, factory Factory, bus fanout.Bus) *Instance {
	return &Instance{
		id:        id,
		desc:      desc,
		factory:   factory,
		state:     StateCreated,
		roles:     make(map[string]any),
		params:    parameter.NewRegistry(),
		bus:       bus,
		seq:       document.NewSequencer(),
		dataDescs: make(map[string]string),
	}
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// TypeID returns the module type this instance was minted from.
func (i *Instance) TypeID() string { return i.desc.TypeID }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Instance) setState(to State) error {
	if to == StateError {
		i.state = StateError
		return nil
	}
	if !transitions[i.state][to] {
		return daqerr.Lifecycle("module.transition",
			fmt.Errorf("%w: %s -> %s", daqerr.ErrInvalidStateTransition, i.state, to))
	}
	i.state = to
	return nil
}

// Configure applies parameter values against the type's catalog. Out-of-range
// values are clamped and reported as advisory warnings rather than failing
// the call outright. A non-optional parameter that is not supplied takes its
// catalog Default; an optional one that is not supplied is not added to the
// registry. Configure may be called repeatedly before Start.
func (i *Instance) Configure(values map[string]float64) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateRunning || i.state == StatePaused {
		return nil, daqerr.Lifecycle("module.configure", fmt.Errorf("%w: cannot configure while %s", daqerr.ErrInvalidStateTransition, i.state))
	}

	var warnings []string
	for _, spec := range i.desc.ParamCatalog {
		v, supplied := values[spec.Name]
		if !supplied {
			if spec.Optional {
				continue
			}
			v = spec.Default
		}
		if spec.HasRange {
			if v < spec.Min {
				warnings = append(warnings, fmt.Sprintf("%s=%v below minimum %v, clamped", spec.Name, v, spec.Min))
				v = spec.Min
			} else if v > spec.Max {
				warnings = append(warnings, fmt.Sprintf("%s=%v above maximum %v, clamped", spec.Name, v, spec.Max))
				v = spec.Max
			}
		}
		opts := []parameter.Option{}
		if spec.HasRange {
			opts = append(opts, parameter.WithRange(spec.Min, spec.Max))
		}
		if spec.Unit != "" {
			opts = append(opts, parameter.WithUnit(spec.Unit))
		}
		if spec.Description != "" {
			opts = append(opts, parameter.WithDescription(spec.Description))
		}
		i.params.Add(parameter.New(spec.Name, v, opts...))
	}
	if err := i.setState(StateConfigured); err != nil {
		return warnings, err
	}
	return warnings, nil
}

// AssignDevice binds roleID to deviceID's capability handle, looked up in
// reg. Fails if roleID is not named by the type's required/optional roles,
// or if the device doesn't advertise the matching capability.
func (i *Instance) AssignDevice(roleID, deviceID string, reg *registry.Registry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateRunning || i.state == StatePaused {
		return daqerr.Lifecycle("module.assign_device", fmt.Errorf("%w: cannot bind roles while %s", daqerr.ErrInvalidStateTransition, i.state))
	}

	var tag capability.Tag
	found := false
	for _, r := range i.desc.RequiredRole {
		if r.ID == roleID {
			tag, found = r.Capability, true
		}
	}
	if !found {
		for _, r := range i.desc.OptionalRole {
			if r.ID == roleID {
				tag, found = r.Capability, true
			}
		}
	}
	if !found {
		return daqerr.Configuration("module.assign_device", fmt.Errorf("unknown role %s for type %s", roleID, i.desc.TypeID))
	}

	h, err := reg.GetCapability(deviceID, tag)
	if err != nil {
		return err
	}
	i.roles[roleID] = h
	if i.state == StateConfigured {
		if err := i.setState(StateStaged); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) unmetRequiredRoles() []string {
	var missing []string
	for _, r := range i.desc.RequiredRole {
		if _, ok := i.roles[r.ID]; !ok {
			missing = append(missing, r.ID)
		}
	}
	return missing
}

// Start transitions Configured|Staged -> Running, failing with ErrUnmetRoles
// if any required role is unbound, and spawns the module's Run goroutine.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.state != StateConfigured && i.state != StateStaged {
		i.mu.Unlock()
		return daqerr.Lifecycle("module.start", fmt.Errorf("%w: cannot start from %s", daqerr.ErrInvalidStateTransition, i.state))
	}
	if missing := i.unmetRequiredRoles(); len(missing) > 0 {
		i.mu.Unlock()
		return daqerr.Lifecycle("module.start", fmt.Errorf("%w: %v", daqerr.ErrUnmetRoles, missing))
	}

	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})
	i.runnable = i.factory()
	i.shutdown.Store(false)
	i.paused.Store(false)

	runUID := document.NewRunUID()
	startDoc, err := i.seq.Start(runUID, document.Start{PlanType: i.desc.TypeID, PlanName: i.id})
	if err != nil {
		i.mu.Unlock()
		return err
	}
	i.dataDescs = make(map[string]string)
	i.eventDescUID = ""

	if err := i.setState(StateRunning); err != nil {
		i.mu.Unlock()
		return err
	}
	i.mu.Unlock()

	if i.bus != nil {
		i.bus.Broadcast(fanout.NewDocumentMessage(startDoc))
	}

	runnable, done := i.runnable, i.done
	go func() {
		defer close(done)
		err := runnable.Run(runCtx, &Context{inst: i})
		i.finishRun(err)
	}()
	return nil
}

func (i *Instance) finishRun(runErr error) {
	i.mu.Lock()
	i.runErr = runErr
	status := document.ExitSuccess
	reason := ""
	if runErr != nil {
		status = document.ExitFailure
		reason = runErr.Error()
	} else if i.shutdown.Load() {
		status = document.ExitAborted
	}
	stopDoc, stopErr := i.seq.Stop(status, reason)
	if runErr != nil {
		_ = i.setState(StateError)
	} else {
		_ = i.setState(StateStopped)
	}
	i.mu.Unlock()

	if stopErr == nil && i.bus != nil {
		i.bus.Broadcast(fanout.NewDocumentMessage(stopDoc))
	}
}

// Pause cooperatively pauses a running module: it keeps its roles and
// goroutine alive and merely signals Context.IsPaused to its Run loop.
func (i *Instance) Pause() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateRunning {
		return daqerr.Lifecycle("module.pause", fmt.Errorf("%w: cannot pause from %s", daqerr.ErrInvalidStateTransition, i.state))
	}
	i.paused.Store(true)
	return i.setState(StatePaused)
}

// Resume reverses Pause.
func (i *Instance) Resume() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StatePaused {
		return daqerr.Lifecycle("module.resume", fmt.Errorf("%w: cannot resume from %s", daqerr.ErrInvalidStateTransition, i.state))
	}
	i.paused.Store(false)
	return i.setState(StateRunning)
}

// Stop requests cooperative shutdown and waits up to timeout for Run to
// return before cancelling its context. Idempotent: calling Stop on a module
// that isn't Running/Paused is a no-op.
func (i *Instance) Stop(ctx context.Context, timeout time.Duration) error {
	i.mu.Lock()
	if i.state != StateRunning && i.state != StatePaused {
		i.mu.Unlock()
		return nil
	}
	i.shutdown.Store(true)
	cancel, done := i.cancel, i.done
	i.mu.Unlock()

	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RunError returns the error the last Run call returned, if any.
func (i *Instance) RunError() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.runErr
}

// emitData lazily declares a descriptor for dataType on first use (an
// all-f64 scalar schema keyed by the data map's own keys), then emits and
// broadcasts an Event against it.
func (i *Instance) emitData(dataType string, data map[string]any) error {
	i.mu.Lock()
	descUID, ok := i.dataDescs[dataType]
	if !ok {
		keys := make(map[string]document.DataKeySpec, len(data))
		for k := range data {
			keys[k] = document.DataKeySpec{Source: k, Dtype: document.DtypeF64}
		}
		descDoc, err := i.seq.Descriptor(dataType, keys, nil)
		if err != nil {
			i.mu.Unlock()
			return err
		}
		descUID = descDoc.Descriptor.DescriptorUID
		i.dataDescs[dataType] = descUID
		i.mu.Unlock()
		if i.bus != nil {
			i.bus.Broadcast(fanout.NewDocumentMessage(descDoc))
		}
		i.mu.Lock()
	}
	eventDoc, err := i.seq.Event(descUID, data, nil)
	i.mu.Unlock()
	if err != nil {
		return err
	}
	if i.bus != nil {
		i.bus.Broadcast(fanout.NewDocumentMessage(eventDoc))
	}
	return nil
}

// emitEvent lazily declares the "module_events" descriptor on its first
// call, from the union of the fixed kind/severity/message keys and whatever
// extra data keys that first call carries, then emits kind/severity/message
// plus data as one Event against it. Every subsequent call on this instance
// must present the same extra keys as the first.
func (i *Instance) emitEvent(kind, severity, message string, data map[string]any) error {
	i.mu.Lock()
	if i.eventDescUID == "" {
		keys := map[string]document.DataKeySpec{
			"kind":     {Dtype: document.DtypeBytes},
			"severity": {Dtype: document.DtypeBytes},
			"message":  {Dtype: document.DtypeBytes},
		}
		for k := range data {
			keys[k] = document.DataKeySpec{Source: k, Dtype: document.DtypeF64}
		}
		descDoc, err := i.seq.Descriptor("module_events", keys, nil)
		if err != nil {
			i.mu.Unlock()
			return err
		}
		i.eventDescUID = descDoc.Descriptor.DescriptorUID
		i.mu.Unlock()
		if i.bus != nil {
			i.bus.Broadcast(fanout.NewDocumentMessage(descDoc))
		}
		i.mu.Lock()
	}
	payload := map[string]any{"kind": kind, "severity": severity, "message": message}
	for k, v := range data {
		payload[k] = v
	}
	eventDoc, err := i.seq.Event(i.eventDescUID, payload, nil)
	i.mu.Unlock()
	if err != nil {
		return err
	}
	if i.bus != nil {
		i.bus.Broadcast(fanout.NewDocumentMessage(eventDoc))
	}
	return nil
}
