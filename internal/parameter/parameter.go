// Package parameter implements the typed parameter system shared by every
// driver and module: a named floating-point value with optional range, unit,
// description, and a write-through callback bound at construction.
package parameter

import (
	"context"
	"fmt"
	"sync"

	"github.com/labdaq/daqd/internal/daqerr"
)

// WriteThrough pushes a validated value out to hardware (or another
// side-effecting sink) before the parameter commits it. A failing
// write-through aborts the set; the stored value is left unchanged.
type WriteThrough func(ctx context.Context, value float64) error

// Range is an inclusive [Min, Max] bound. A zero Range (Min == Max == 0) with
// HasRange false means unbounded.
type Range struct {
	Min, Max float64
}

// Descriptor is the introspectable shape of a Parameter, returned by
// ListParameters without touching the current value.
type Descriptor struct {
	Name        string
	HasRange    bool
	Range       Range
	Unit        string
	Description string
}

// Parameter is a single named typed value. Reading is lock-protected but
// never touches hardware; setting runs validate -> write-through -> commit.
type Parameter struct {
	mu           sync.RWMutex
	name         string
	value        float64
	hasRange     bool
	rng          Range
	unit         string
	description  string
	writeThrough WriteThrough
}

// Option configures a Parameter at construction.
type Option func(*Parameter)

// WithRange bounds the parameter to [min, max] inclusive.
func WithRange(min, max float64) Option {
	return func(p *Parameter) { p.hasRange = true; p.rng = Range{Min: min, Max: max} }
}

// WithUnit attaches a unit string (e.g. "nm", "deg", "mW").
func WithUnit(unit string) Option { return func(p *Parameter) { p.unit = unit } }

// WithDescription attaches a human-readable description.
func WithDescription(desc string) Option { return func(p *Parameter) { p.description = desc } }

// WithWriteThrough binds an asynchronous hardware callback invoked on Set
// after range validation and before commit.
func WithWriteThrough(fn WriteThrough) Option { return func(p *Parameter) { p.writeThrough = fn } }

// New constructs a Parameter with an initial value and options applied.
func New(name string, initial float64, opts ...Option) *Parameter {
	p := &Parameter{name: name, value: initial}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the parameter's name.
func (p *Parameter) Name() string { return p.name }

// Get reads the current value. Cheap, never touches hardware.
func (p *Parameter) Get() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// Descriptor returns the introspectable metadata for this parameter.
func (p *Parameter) Descriptor() Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Descriptor{Name: p.name, HasRange: p.hasRange, Range: p.rng, Unit: p.unit, Description: p.description}
}

// Set validates value is in range, invokes the bound write-through (if any),
// and only then commits. If the write-through fails the stored value is left
// untouched and the error propagates to the caller.
func (p *Parameter) Set(ctx context.Context, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasRange && (value < p.rng.Min || value > p.rng.Max) {
		return daqerr.Configuration("parameter.set",
			fmt.Errorf("%w: %s=%v not in [%v,%v]", daqerr.ErrOutOfRange, p.name, value, p.rng.Min, p.rng.Max))
	}
	if p.writeThrough != nil {
		if err := p.writeThrough(ctx, value); err != nil {
			return daqerr.Device("parameter.set", fmt.Errorf("write-through for %s: %w", p.name, err))
		}
	}
	p.value = value
	return nil
}

// Registry is a named collection of Parameters, as owned by a driver or
// module instance.
type Registry struct {
	mu     sync.RWMutex
	params map[string]*Parameter
}

// NewRegistry returns an empty parameter registry.
func NewRegistry() *Registry { return &Registry{params: make(map[string]*Parameter)} }

// Add registers a parameter under its own name. Overwrites any existing
// parameter of the same name (construction-time only; not used on hot paths).
func (r *Registry) Add(p *Parameter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[p.Name()] = p
}

// Get looks up a parameter by name.
func (r *Registry) Get(name string) (*Parameter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.params[name]
	return p, ok
}

// List returns descriptors for every registered parameter.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.params))
	for _, p := range r.params {
		out = append(out, p.Descriptor())
	}
	return out
}
