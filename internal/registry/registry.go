// Package registry owns the authoritative device_id -> driver mapping, the
// driver_type -> factory table used to materialize InstrumentConfig files
// into live drivers, and coordinated shutdown. Lookups are safe under
// concurrent reads; registration is infrequent and takes a write lock.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/labdaq/daqd/internal/capability"
	"github.com/labdaq/daqd/internal/daqerr"
)

// Driver is the minimum contract every device driver must satisfy,
// regardless of which capabilities it advertises.
type Driver interface {
	ID() string
	Shutdown(ctx context.Context) error
}

// Factory materializes a driver (and its advertised capabilities) from a
// device config file path. Implementations live alongside concrete driver
// packages (e.g. the serial driver registers itself under "serial").
type Factory func(configPath string) (Driver, map[capability.Tag]any, error)

// ConfigPeeker extracts the driver_type field from a config file without
// fully decoding it, so RegisterFromTOML can route to the right factory.
type ConfigPeeker func(configPath string) (driverType string, err error)

type entry struct {
	driver Driver
	caps   map[capability.Tag]any
}

// Registry is the device ownership map described in §4.2.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*entry
	factories map[string]Factory
	peek      ConfigPeeker
}

// New returns an empty registry. peek is used by RegisterFromTOML to
// determine which factory owns a given config file; pass nil to disable
// RegisterFromTOML (factories may still be registered and used directly).
func New(peek ConfigPeeker) *Registry {
	return &Registry{
		devices:   make(map[string]*entry),
		factories: make(map[string]Factory),
		peek:      peek,
	}
}

// RegisterFactory adds a driver_type -> factory mapping. Typically called
// once per driver package at process start.
func (r *Registry) RegisterFactory(driverType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[driverType] = f
}

// Register adds a fully constructed driver under id, advertising caps.
// Fails with DuplicateId if id is already registered.
func (r *Registry) Register(id string, driver Driver, caps map[capability.Tag]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[id]; exists {
		return daqerr.Lifecycle("registry.register", fmt.Errorf("%w: %s", daqerr.ErrDuplicateID, id))
	}
	r.devices[id] = &entry{driver: driver, caps: caps}
	return nil
}

// RegisterFromTOML peeks the config file's driver_type, looks up the
// matching factory, constructs the driver, and registers it.
func (r *Registry) RegisterFromTOML(configPath string) error {
	if r.peek == nil {
		return daqerr.Configuration("registry.register_from_toml", fmt.Errorf("no config peeker configured"))
	}
	driverType, err := r.peek(configPath)
	if err != nil {
		return daqerr.Configuration("registry.register_from_toml", err)
	}
	r.mu.RLock()
	factory, ok := r.factories[driverType]
	r.mu.RUnlock()
	if !ok {
		return daqerr.Configuration("registry.register_from_toml", fmt.Errorf("%w: %s", daqerr.ErrUnknownDriverType, driverType))
	}
	driver, caps, err := factory(configPath)
	if err != nil {
		return err
	}
	return r.Register(driver.ID(), driver, caps)
}

// GetCapability returns the handle advertised by id under tag.
func (r *Registry) GetCapability(id string, tag capability.Tag) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return nil, daqerr.Lifecycle("registry.get_capability", fmt.Errorf("%w: %s", daqerr.ErrUnknownDevice, id))
	}
	h, ok := e.caps[tag]
	if !ok {
		return nil, daqerr.Lifecycle("registry.get_capability", fmt.Errorf("%w: %s on %s", daqerr.ErrCapabilityUnsupported, tag, id))
	}
	return h, nil
}

// GetDriver returns the raw driver registered under id, for callers that
// need device-specific behavior (e.g. execute_device_command) beyond the
// capability-typed surface.
func (r *Registry) GetDriver(id string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return nil, daqerr.Lifecycle("registry.get_driver", fmt.Errorf("%w: %s", daqerr.ErrUnknownDevice, id))
	}
	return e.driver, nil
}

// GetMovable is a typed convenience wrapper over GetCapability.
func (r *Registry) GetMovable(id string) (capability.MovableHandle, error) {
	h, err := r.GetCapability(id, capability.Movable)
	if err != nil {
		return nil, err
	}
	mv, ok := h.(capability.MovableHandle)
	if !ok {
		return nil, daqerr.Lifecycle("registry.get_movable", fmt.Errorf("%w: %s", daqerr.ErrCapabilityUnsupported, id))
	}
	return mv, nil
}

// GetReadable is a typed convenience wrapper over GetCapability.
func (r *Registry) GetReadable(id string) (capability.ReadableHandle, error) {
	h, err := r.GetCapability(id, capability.Readable)
	if err != nil {
		return nil, err
	}
	rd, ok := h.(capability.ReadableHandle)
	if !ok {
		return nil, daqerr.Lifecycle("registry.get_readable", fmt.Errorf("%w: %s", daqerr.ErrCapabilityUnsupported, id))
	}
	return rd, nil
}

// ListDevices returns every registered device id.
func (r *Registry) ListDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for id := range r.devices {
		out = append(out, id)
	}
	return out
}

// ListFactories returns every registered driver_type.
func (r *Registry) ListFactories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}

// ShutdownAll calls Shutdown on every driver, collecting individual failures
// without aborting the traversal. Returns a PartialShutdown lifecycle error
// naming the failed ids if any driver failed.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.RLock()
	drivers := make([]Driver, 0, len(r.devices))
	for _, e := range r.devices {
		drivers = append(drivers, e.driver)
	}
	r.mu.RUnlock()

	var failed []string
	for _, d := range drivers {
		if err := d.Shutdown(ctx); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", d.ID(), err))
		}
	}
	if len(failed) > 0 {
		return daqerr.Lifecycle("registry.shutdown_all", fmt.Errorf("%w: %v", daqerr.ErrPartialShutdown, failed))
	}
	return nil
}
