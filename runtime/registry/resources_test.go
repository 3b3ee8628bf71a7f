package registry_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/eventbus"
	"github.com/lfedgeai/spear/runtime/eventbus/membackend"
	"github.com/lfedgeai/spear/runtime/registry"
)

func TestTaskRegistryLastWriteWins(t *testing.T) {
	ctx := context.Background()
	r := registry.NewTaskRegistry(nil, nil)

	r.Register(ctx, registry.Task{ID: "T1", Status: registry.TaskRegistered, UpdatedAtMS: 100})
	r.Register(ctx, registry.Task{ID: "T1", Status: registry.TaskActive, UpdatedAtMS: 50})

	task, ok := r.Get(ctx, "T1")
	require.True(t, ok)
	require.Equal(t, registry.TaskRegistered, task.Status, "stale write must not overwrite a newer one")

	r.Register(ctx, registry.Task{ID: "T1", Status: registry.TaskActive, UpdatedAtMS: 200})
	task, _ = r.Get(ctx, "T1")
	require.Equal(t, registry.TaskActive, task.Status)
}

func TestInstanceRegistryActiveForTaskBounded(t *testing.T) {
	ctx := context.Background()
	r := registry.NewInstanceRegistry(nil, nil, time.Second)
	now := time.Now().UTC().UnixMilli()

	for i := 0; i < 300; i++ {
		r.Create(ctx, registry.Instance{ID: idOf(i), TaskID: "T1"}, now)
	}

	summaries := r.ActiveForTask("T1", now)
	require.Len(t, summaries, 256, "index must cap at 256 entries")
}

func TestExecutionRegistryFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := registry.NewExecutionRegistry(nil, nil)
	now := time.Now().UTC().UnixMilli()

	r.Create(ctx, registry.Execution{ID: "E1", TaskID: "T1", InstanceID: "I1", Status: registry.ExecutionRunning}, now)

	ok := r.Finalize(ctx, "E1", registry.ExecutionCompleted, []byte("ok"), nil, now+10, &registry.LogRef{Backend: "mem"})
	require.True(t, ok)

	ok = r.Finalize(ctx, "E1", registry.ExecutionFailed, nil, &registry.ExecutionError{Code: "x"}, now+20, nil)
	require.False(t, ok, "a second finalize on a terminal execution must be a no-op")

	e, _ := r.Get(ctx, "E1")
	require.Equal(t, registry.ExecutionCompleted, e.Status, "status from the first finalize must stick")
}

func TestMCPRegistryUpsertByRevision(t *testing.T) {
	ctx := context.Background()
	r := registry.NewMCPRegistry(nil, nil)

	r.Upsert(ctx, registry.MCPServerRecord{ServerID: "fs", Revision: 1, AllowedTools: []string{"read_file"}})
	r.Upsert(ctx, registry.MCPServerRecord{ServerID: "fs", Revision: 0, AllowedTools: []string{"wiped"}})

	rec, ok := r.Get(ctx, "fs")
	require.True(t, ok)
	require.Equal(t, uint64(1), rec.Revision)
	require.Equal(t, []string{"read_file"}, rec.AllowedTools)
}

// TestExecutionRegistryPublishesScenario1EventTrail asserts the seed scenario
// 1 event trail: resource.execution.E1 carries one Create (status=Running)
// followed by one Update (status=Completed).
func TestExecutionRegistryPublishesScenario1EventTrail(t *testing.T) {
	ctx := context.Background()
	bus := membackend.New(0)
	r := registry.NewExecutionRegistry(bus, nil)
	now := time.Now().UTC().UnixMilli()

	r.Create(ctx, registry.Execution{ID: "E1", TaskID: "T1", InstanceID: "I1", NodeUUID: "N1", Status: registry.ExecutionRunning, StartedAtMS: now}, now)
	ok := r.Finalize(ctx, "E1", registry.ExecutionCompleted, []byte(`{"y":2}`), nil, now+10, &registry.LogRef{Backend: "mem"})
	require.True(t, ok)

	var since uint64
	envs, cancel, err := bus.Subscribe(ctx, eventbus.ResourceStream(eventbus.ResourceExecution, "E1"), &since)
	require.NoError(t, err)
	defer cancel()

	var got []eventbus.Envelope
	for len(got) < 2 {
		select {
		case e := <-envs:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event trail")
		}
	}

	require.Len(t, got, 2)
	require.Equal(t, eventbus.OpCreate, got[0].Op)
	require.Equal(t, eventbus.OpUpdate, got[1].Op)

	var created, updated registry.Execution
	require.NoError(t, json.Unmarshal(got[0].Payload, &created))
	require.NoError(t, json.Unmarshal(got[1].Payload, &updated))
	require.Equal(t, registry.ExecutionRunning, created.Status)
	require.Equal(t, registry.ExecutionCompleted, updated.Status)
}

func idOf(i int) string {
	const letters = "0123456789abcdef"
	b := make([]byte, 8)
	for j := range b {
		b[j] = letters[(i+j)%len(letters)]
	}
	return string(b)
}
