package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lfedgeai/spear/runtime/eventbus"
)

// VersionedUpdateFunc resolves a last-write-wins conflict. It returns true
// when candidate should replace current (e.g. candidate.UpdatedAtMS >
// current.UpdatedAtMS).
type VersionedUpdateFunc[T any] func(current, candidate T) bool

// base is the generic, observability-wrapped in-memory registry shared by
// every resource-specific registry (Node, Task, Artifact, Instance,
// Execution, MCP). It owns one key namespace, applies last-write-wins
// semantics via a caller-supplied comparator, and publishes every mutation
// through the C1 event bus so registries stay coherent with replaying
// subscribers per spec.md §2/§4.1.
type base[T any] struct {
	name         string
	obs          *Observability
	newer        VersionedUpdateFunc[T]
	pub          eventbus.Publisher
	resourceType eventbus.ResourceType
	nodeUUIDOf   func(T) string

	mu      sync.RWMutex
	entries map[string]T
}

// newBase constructs a base registry. pub may be nil, in which case
// mutations are recorded but never published (used by tests that don't
// care about the event trail). nodeUUIDOf may be nil for resources that
// aren't node-scoped (Task, Artifact, MCP); when set, it drives the extra
// node.<uuid> fan-out stream per spec.md §4.1.
func newBase[T any](name string, obs *Observability, pub eventbus.Publisher, resourceType eventbus.ResourceType, nodeUUIDOf func(T) string, newer VersionedUpdateFunc[T]) *base[T] {
	if obs == nil {
		obs = NewObservability(nil, nil, nil)
	}
	return &base[T]{
		name:         name,
		obs:          obs,
		newer:        newer,
		pub:          pub,
		resourceType: resourceType,
		nodeUUIDOf:   nodeUUIDOf,
		entries:      make(map[string]T),
	}
}

// publish emits op on id through the event bus, best-effort: a publish
// failure is logged but never fails the caller's mutation (spec.md §4.1:
// "publish is best-effort durable").
func (b *base[T]) publish(ctx context.Context, id string, op eventbus.Op, value T) {
	if b.pub == nil {
		return
	}
	payload, _ := json.Marshal(value)
	nodeUUID := ""
	if b.nodeUUIDOf != nil {
		nodeUUID = b.nodeUUIDOf(value)
	}
	if _, err := b.pub.Publish(ctx, b.resourceType, id, op, payload, nodeUUID); err != nil {
		b.obs.LogOperation(ctx, OperationEvent{Operation: OpPublish, Registry: b.name, ResourceID: id, Outcome: OutcomeError, Error: err.Error()})
	}
}

// Put inserts or last-write-wins-merges an entry. It reports whether the
// stored value changed. A first write publishes Create; a write that
// changes an existing entry publishes Update; a stale candidate rejected by
// newer publishes nothing.
func (b *base[T]) Put(ctx context.Context, id string, value T) bool {
	start := time.Now()
	ctx, span := b.obs.StartSpan(ctx, OpRegister)
	defer span.End()

	b.mu.Lock()
	cur, existed := b.entries[id]
	changed := true
	if existed && b.newer != nil {
		changed = b.newer(cur, value)
	}
	if changed {
		b.entries[id] = value
	}
	b.mu.Unlock()

	outcome := OutcomeSuccess
	evt := OperationEvent{Operation: OpRegister, Registry: b.name, ResourceID: id, Duration: time.Since(start), Outcome: outcome}
	b.obs.LogOperation(ctx, evt)
	b.obs.RecordOperationMetrics(evt)
	if changed {
		op := eventbus.OpUpdate
		if !existed {
			op = eventbus.OpCreate
		}
		b.publish(ctx, id, op, value)
	}
	return changed
}

// Get returns the entry for id, or ok=false if absent.
func (b *base[T]) Get(ctx context.Context, id string) (T, bool) {
	start := time.Now()
	ctx, span := b.obs.StartSpan(ctx, OpGet)
	defer span.End()

	b.mu.RLock()
	v, ok := b.entries[id]
	b.mu.RUnlock()

	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeNotFound
	}
	evt := OperationEvent{Operation: OpGet, Registry: b.name, ResourceID: id, Duration: time.Since(start), Outcome: outcome}
	b.obs.LogOperation(ctx, evt)
	b.obs.RecordOperationMetrics(evt)
	b.obs.EndSpan(span, outcome, nil)
	return v, ok
}

// Delete removes id, reporting whether it was present. A present entry
// publishes Delete.
func (b *base[T]) Delete(ctx context.Context, id string) bool {
	start := time.Now()
	ctx, span := b.obs.StartSpan(ctx, OpUnregister)
	defer span.End()

	b.mu.Lock()
	old, ok := b.entries[id]
	delete(b.entries, id)
	b.mu.Unlock()

	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeNotFound
	}
	evt := OperationEvent{Operation: OpUnregister, Registry: b.name, ResourceID: id, Duration: time.Since(start), Outcome: outcome}
	b.obs.LogOperation(ctx, evt)
	b.obs.RecordOperationMetrics(evt)
	b.obs.EndSpan(span, outcome, nil)
	if ok {
		b.publish(ctx, id, eventbus.OpDelete, old)
	}
	return ok
}

// List returns every entry, ordered by key for deterministic iteration.
func (b *base[T]) List(ctx context.Context) []T {
	start := time.Now()
	ctx, span := b.obs.StartSpan(ctx, OpList)
	defer span.End()

	b.mu.RLock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.entries[id])
	}
	b.mu.RUnlock()

	evt := OperationEvent{Operation: OpList, Registry: b.name, Duration: time.Since(start), Outcome: OutcomeSuccess, ResultCount: len(out)}
	b.obs.LogOperation(ctx, evt)
	b.obs.RecordOperationMetrics(evt)
	b.obs.EndSpan(span, OutcomeSuccess, nil)
	return out
}

// Mutate applies fn to the entry for id under the write lock, returning
// ok=false if id is absent. Used for in-place state transitions (e.g.
// instance state machine steps, heartbeats, execution finalization) that
// aren't a full last-write-wins Put. A successful mutation publishes
// Update.
func (b *base[T]) Mutate(ctx context.Context, id string, fn func(T) T) bool {
	b.mu.Lock()
	cur, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	next := fn(cur)
	b.entries[id] = next
	b.mu.Unlock()

	b.publish(ctx, id, eventbus.OpUpdate, next)
	return true
}
