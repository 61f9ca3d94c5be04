package module

import (
	"fmt"
	"sync"

	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/fanout"
)

// TypeRegistry owns the type_id -> (TypeDescriptor, Factory) table and
// mints Instances from it. Mirrors the driver registry's
// driver_type -> Factory table, one layer up.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]registeredType
	bus   fanout.Bus
}

type registeredType struct {
	desc    TypeDescriptor
	factory Factory
}

// NewTypeRegistry returns an empty registry. bus is handed to every
// Instance minted via NewInstance; pass nil to disable document/event
// emission.
func NewTypeRegistry(bus fanout.Bus) *TypeRegistry {
	return &TypeRegistry{types: make(map[string]registeredType), bus: bus}
}

// RegisterType adds a module type under desc.TypeID.
func (r *TypeRegistry) RegisterType(desc TypeDescriptor, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[desc.TypeID] = registeredType{desc: desc, factory: factory}
}

// Descriptor returns the TypeDescriptor for typeID.
func (r *TypeRegistry) Descriptor(typeID string) (TypeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.types[typeID]
	return rt.desc, ok
}

// ListTypes returns every registered type id.
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for id := range r.types {
		out = append(out, id)
	}
	return out
}

// NewInstance mints a fresh Instance of typeID, in StateCreated.
func (r *TypeRegistry) NewInstance(instanceID, typeID string) (*Instance, error) {
	r.mu.RLock()
	rt, ok := r.types[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, daqerr.Configuration("module.new_instance", fmt.Errorf("unknown module type %s", typeID))
	}
	return New(instanceID, rt.desc, rt.factory, r.bus), nil
}
