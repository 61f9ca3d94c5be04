package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/module"
)

// InstanceSummary is the introspectable view of one module instance
// returned by ListInstances.
type InstanceSummary struct {
	ID    string
	Type  string
	State module.State
}

// ListTypes returns every registered module type id.
func (a *Actor) ListTypes() []string { return a.types.ListTypes() }

// ListInstances returns a point-in-time summary of every module instance.
// Read-only; bypasses the queue (Instance.State is itself lock-protected).
func (a *Actor) ListInstances() []InstanceSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]InstanceSummary, 0, len(a.instances))
	for id, inst := range a.instances {
		out = append(out, InstanceSummary{ID: id, Type: inst.TypeID(), State: inst.State()})
	}
	return out
}

// CreateInstance mints a new module instance of typeID under instanceID,
// serialized through the command queue since it mutates the actor's
// instance set.
func (a *Actor) CreateInstance(ctx context.Context, instanceID, typeID string) error {
	_, err := a.submit(ctx, func() (any, error) {
		a.mu.RLock()
		_, exists := a.instances[instanceID]
		a.mu.RUnlock()
		if exists {
			return nil, daqerr.Lifecycle("actor.create_instance", fmt.Errorf("%w: %s", daqerr.ErrDuplicateID, instanceID))
		}
		inst, err := a.types.NewInstance(instanceID, typeID)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.instances[instanceID] = inst
		a.mu.Unlock()
		return nil, nil
	})
	return err
}

func (a *Actor) instance(instanceID string) (*module.Instance, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	inst, ok := a.instances[instanceID]
	if !ok {
		return nil, daqerr.Lifecycle("actor.instance", fmt.Errorf("%w: %s", daqerr.ErrUnknownDevice, instanceID))
	}
	return inst, nil
}

// ConfigureInstance applies parameter values to instanceID.
func (a *Actor) ConfigureInstance(ctx context.Context, instanceID string, values map[string]float64) ([]string, error) {
	val, err := a.submit(ctx, func() (any, error) {
		inst, err := a.instance(instanceID)
		if err != nil {
			return nil, err
		}
		return inst.Configure(values)
	})
	if val == nil {
		return nil, err
	}
	return val.([]string), err
}

// AssignDevice binds roleID on instanceID to deviceID's capability handle.
func (a *Actor) AssignDevice(ctx context.Context, instanceID, roleID, deviceID string) error {
	_, err := a.submit(ctx, func() (any, error) {
		inst, err := a.instance(instanceID)
		if err != nil {
			return nil, err
		}
		return nil, inst.AssignDevice(roleID, deviceID, a.reg)
	})
	return err
}

// StartInstance transitions instanceID to Running.
func (a *Actor) StartInstance(ctx context.Context, instanceID string) error {
	_, err := a.submit(ctx, func() (any, error) {
		inst, err := a.instance(instanceID)
		if err != nil {
			return nil, err
		}
		return nil, inst.Start(ctx)
	})
	return err
}

// PauseInstance pauses a running instance.
func (a *Actor) PauseInstance(ctx context.Context, instanceID string) error {
	_, err := a.submit(ctx, func() (any, error) {
		inst, err := a.instance(instanceID)
		if err != nil {
			return nil, err
		}
		return nil, inst.Pause()
	})
	return err
}

// ResumeInstance resumes a paused instance.
func (a *Actor) ResumeInstance(ctx context.Context, instanceID string) error {
	_, err := a.submit(ctx, func() (any, error) {
		inst, err := a.instance(instanceID)
		if err != nil {
			return nil, err
		}
		return nil, inst.Resume()
	})
	return err
}

// StopInstance cooperatively stops instanceID, waiting up to timeout
// before forcing cancellation.
func (a *Actor) StopInstance(ctx context.Context, instanceID string, timeout time.Duration) error {
	_, err := a.submit(ctx, func() (any, error) {
		inst, err := a.instance(instanceID)
		if err != nil {
			return nil, err
		}
		return nil, inst.Stop(ctx, timeout)
	})
	return err
}
