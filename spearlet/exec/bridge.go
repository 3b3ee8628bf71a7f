package exec

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/registry"
	"github.com/lfedgeai/spear/spearlet/driver"
	"github.com/lfedgeai/spear/spearlet/pool"
)

// SpecSource supplies the driver.Spec for a newly materialized instance of
// taskID (artifact bytes, entry point, env), sourced from whatever already
// downloaded the task's artifact (spearlet/sync's Materializer).
type SpecSource func(ctx context.Context, taskID string) (driver.Spec, error)

// InstanceHandles resolves a pool instance ID back to the driver handle and
// runtime kind Manager needs to dispatch an execution onto it.
type InstanceHandles interface {
	Handle(instanceID string) (driver.Handle, registry.ExecutableKind, bool)
}

// DriverCreator implements pool.Creator by materializing and tearing down
// instances through a driver.Registry, and implements InstanceHandles so
// Manager can resolve a pool instance back to its driver handle. This is
// the seam generalizing the teacher's upstream-adapter selection
// (features/model's per-backend client construction) from model backends
// to runtime instances.
type DriverCreator struct {
	drivers     *driver.Registry
	runtimeType registry.ExecutableKind
	specFor     SpecSource

	mu      sync.Mutex
	handles map[string]driver.Handle
	kinds   map[string]registry.ExecutableKind
}

// NewDriverCreator constructs a creator that materializes runtimeType
// instances for one task via drivers, sourcing each instance's Spec from
// specFor.
func NewDriverCreator(drivers *driver.Registry, runtimeType registry.ExecutableKind, specFor SpecSource) *DriverCreator {
	return &DriverCreator{
		drivers:     drivers,
		runtimeType: runtimeType,
		specFor:     specFor,
		handles:     make(map[string]driver.Handle),
		kinds:       make(map[string]registry.ExecutableKind),
	}
}

// Create implements pool.Creator: Cold -> Initializing -> WarmingUp -> Ready
// per spec.md §4.6, collapsed here into CreateInstance+StartInstance; the
// intermediate states are not recorded by this creator or by the pool.
func (c *DriverCreator) Create(ctx context.Context, taskID string) (*pool.Instance, error) {
	spec, err := c.specFor(ctx, taskID)
	if err != nil {
		return nil, err
	}
	spec.RuntimeType = c.runtimeType
	if spec.InstanceID == "" {
		spec.InstanceID = taskID + "-" + uuid.NewString()
	}

	d, err := c.drivers.For(c.runtimeType)
	if err != nil {
		return nil, err
	}
	h, err := d.CreateInstance(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := d.StartInstance(ctx, h); err != nil {
		_ = d.StopInstance(ctx, h)
		return nil, err
	}

	c.mu.Lock()
	c.handles[spec.InstanceID] = h
	c.kinds[spec.InstanceID] = c.runtimeType
	c.mu.Unlock()

	return &pool.Instance{ID: spec.InstanceID, Capacity: 1}, nil
}

// Reclaim implements pool.Creator: Terminating -> Terminated.
func (c *DriverCreator) Reclaim(ctx context.Context, inst *pool.Instance) error {
	c.mu.Lock()
	h, hasHandle := c.handles[inst.ID]
	kind := c.kinds[inst.ID]
	delete(c.handles, inst.ID)
	delete(c.kinds, inst.ID)
	c.mu.Unlock()

	if !hasHandle {
		return errs.Wrap(errs.ErrNotFound, "no driver handle for instance %q", inst.ID)
	}
	d, err := c.drivers.For(kind)
	if err != nil {
		return err
	}
	return d.StopInstance(ctx, h)
}

// Handle implements InstanceHandles.
func (c *DriverCreator) Handle(instanceID string) (driver.Handle, registry.ExecutableKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[instanceID]
	return h, c.kinds[instanceID], ok
}
