package registry

import (
	"context"
	"time"

	"github.com/lfedgeai/spear/runtime/eventbus"
)

// TaskRegistry owns the `task:` namespace.
type TaskRegistry struct{ base *base[Task] }

// NewTaskRegistry constructs a TaskRegistry. Last-write-wins by UpdatedAtMS.
// pub may be nil to disable event publication.
func NewTaskRegistry(pub eventbus.Publisher, obs *Observability) *TaskRegistry {
	return &TaskRegistry{base: newBase[Task]("task", obs, pub, eventbus.ResourceTask, nil, func(cur, candidate Task) bool {
		return candidate.UpdatedAtMS >= cur.UpdatedAtMS
	})}
}

func (r *TaskRegistry) Register(ctx context.Context, t Task) bool { return r.base.Put(ctx, t.ID, t) }
func (r *TaskRegistry) Get(ctx context.Context, id string) (Task, bool) { return r.base.Get(ctx, id) }
func (r *TaskRegistry) List(ctx context.Context) []Task { return r.base.List(ctx) }
func (r *TaskRegistry) Unregister(ctx context.Context, id string) bool { return r.base.Delete(ctx, id) }

// ArtifactRegistry owns the `artifact:` namespace, keyed by id+version.
type ArtifactRegistry struct{ base *base[Artifact] }

// NewArtifactRegistry constructs an ArtifactRegistry. Artifact is not one of
// the typed-event resource types enumerated in spec.md §3
// (Node/Task/Instance/Execution/MCP/File), so artifact mutations are never
// published to the event bus.
func NewArtifactRegistry(obs *Observability) *ArtifactRegistry {
	return &ArtifactRegistry{base: newBase[Artifact]("artifact", obs, nil, "", nil, func(cur, candidate Artifact) bool {
		return candidate.UpdatedAtMS >= cur.UpdatedAtMS
	})}
}

func artifactKey(id, version string) string { return id + "@" + version }

func (r *ArtifactRegistry) Register(ctx context.Context, a Artifact) bool {
	return r.base.Put(ctx, artifactKey(a.ID, a.Version), a)
}
func (r *ArtifactRegistry) Get(ctx context.Context, id, version string) (Artifact, bool) {
	return r.base.Get(ctx, artifactKey(id, version))
}
func (r *ArtifactRegistry) List(ctx context.Context) []Artifact { return r.base.List(ctx) }

// InstanceRegistry owns the `instance:` namespace plus the bounded
// idx:task_active_instances:{task_id} secondary index.
type InstanceRegistry struct {
	base         *base[Instance]
	activeByTask *BoundedIndex
}

// NewInstanceRegistry constructs an InstanceRegistry. Per spec.md §4.3 the
// task_active_instances index is capped at 256 entries and drops entries
// past 2x heartbeatInterval. pub may be nil to disable event publication;
// instances are node-scoped so every mutation also fans out on
// node.<node_uuid>.
func NewInstanceRegistry(pub eventbus.Publisher, obs *Observability, heartbeatInterval time.Duration) *InstanceRegistry {
	return &InstanceRegistry{
		base:         newBase[Instance]("instance", obs, pub, eventbus.ResourceInstance, func(i Instance) string { return i.NodeUUID }, nil),
		activeByTask: NewBoundedIndex(256, 2*heartbeatInterval),
	}
}

func (r *InstanceRegistry) Create(ctx context.Context, inst Instance, nowMS int64) {
	r.base.Put(ctx, inst.ID, inst)
	r.activeByTask.Append(inst.TaskID, inst.ID, nowMS)
}

func (r *InstanceRegistry) UpdateState(ctx context.Context, id string, fn func(Instance) Instance) bool {
	return r.base.Mutate(ctx, id, fn)
}

func (r *InstanceRegistry) Get(ctx context.Context, id string) (Instance, bool) { return r.base.Get(ctx, id) }
func (r *InstanceRegistry) List(ctx context.Context) []Instance { return r.base.List(ctx) }
func (r *InstanceRegistry) Terminate(ctx context.Context, id string) bool { return r.base.Delete(ctx, id) }

// ActiveForTask returns the bounded, non-stale active-instance summaries for
// a task.
func (r *InstanceRegistry) ActiveForTask(taskID string, nowMS int64) []Summary {
	return r.activeByTask.List(taskID, nowMS)
}

// ExecutionRegistry owns the `execution:` namespace plus the bounded
// idx:instance_recent_executions:{instance_id} and optional
// idx:task_recent_executions:{task_id} indexes.
type ExecutionRegistry struct {
	base             *base[Execution]
	recentByInstance *BoundedIndex
	recentByTask     *BoundedIndex
}

// NewExecutionRegistry constructs an ExecutionRegistry. Per spec.md §4.3 the
// instance index caps at 100; the task index has no maxAge (capacity-only).
// pub may be nil to disable event publication; executions are node-scoped
// so every mutation also fans out on node.<node_uuid>.
func NewExecutionRegistry(pub eventbus.Publisher, obs *Observability) *ExecutionRegistry {
	return &ExecutionRegistry{
		base:             newBase[Execution]("execution", obs, pub, eventbus.ResourceExecution, func(e Execution) string { return e.NodeUUID }, nil),
		recentByInstance: NewBoundedIndex(100, 0),
		recentByTask:     NewBoundedIndex(100, 0),
	}
}

// Create records a new execution attempt, publishing a Create event.
// Idempotent by execution ID: a second Create for the same ID is a no-op on
// the indexes (only the base entry, itself idempotent via Put, is touched).
func (r *ExecutionRegistry) Create(ctx context.Context, e Execution, nowMS int64) {
	_, existed := r.base.Get(ctx, e.ID)
	r.base.Put(ctx, e.ID, e)
	if !existed {
		r.recentByInstance.Append(e.InstanceID, e.ID, nowMS)
		r.recentByTask.Append(e.TaskID, e.ID, nowMS)
	}
}

// Finalize transitions an execution to a terminal status with its log
// reference, publishing an Update event. Returns false if e.ID is unknown
// or already terminal (replay safety: finalize is idempotent by
// execution_id).
func (r *ExecutionRegistry) Finalize(ctx context.Context, id string, status ExecutionStatus, output []byte, execErr *ExecutionError, completedAtMS int64, logRef *LogRef) bool {
	applied := false
	r.base.Mutate(ctx, id, func(e Execution) Execution {
		if e.Status.IsTerminal() {
			return e
		}
		e.Status = status
		e.OutputBytes = output
		e.Error = execErr
		e.CompletedAtMS = completedAtMS
		e.LogRef = logRef
		applied = true
		return e
	})
	return applied
}

func (r *ExecutionRegistry) Get(ctx context.Context, id string) (Execution, bool) { return r.base.Get(ctx, id) }
func (r *ExecutionRegistry) List(ctx context.Context) []Execution { return r.base.List(ctx) }

// RecentForInstance returns the bounded recent-execution summaries for an instance.
func (r *ExecutionRegistry) RecentForInstance(instanceID string, nowMS int64) []Summary {
	return r.recentByInstance.List(instanceID, nowMS)
}

// RecentForTask returns the bounded recent-execution summaries for a task.
func (r *ExecutionRegistry) RecentForTask(taskID string, nowMS int64) []Summary {
	return r.recentByTask.List(taskID, nowMS)
}

// MCPRegistry owns the `mcp:` namespace: replicated MCP server records,
// revision-carrying for the C11 bridge's list+watch sync.
type MCPRegistry struct{ base *base[MCPServerRecord] }

// NewMCPRegistry constructs an MCPRegistry. pub may be nil to disable event
// publication.
func NewMCPRegistry(pub eventbus.Publisher, obs *Observability) *MCPRegistry {
	return &MCPRegistry{base: newBase[MCPServerRecord]("mcp", obs, pub, eventbus.ResourceMCP, nil, func(cur, candidate MCPServerRecord) bool {
		return candidate.Revision >= cur.Revision
	})}
}

func (r *MCPRegistry) Upsert(ctx context.Context, rec MCPServerRecord) bool {
	return r.base.Put(ctx, rec.ServerID, rec)
}
func (r *MCPRegistry) Get(ctx context.Context, id string) (MCPServerRecord, bool) { return r.base.Get(ctx, id) }
func (r *MCPRegistry) List(ctx context.Context) []MCPServerRecord { return r.base.List(ctx) }
func (r *MCPRegistry) Remove(ctx context.Context, id string) bool { return r.base.Delete(ctx, id) }
