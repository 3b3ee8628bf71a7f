package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/eventbus"
	"github.com/lfedgeai/spear/runtime/eventbus/membackend"
	"github.com/lfedgeai/spear/runtime/registry"
)

func TestNodeRegistryRegisterAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	r := registry.NewNodeRegistry(nil, registry.WithCleanupInterval(time.Hour))
	defer r.Close()

	now := time.Now().UTC().UnixMilli()
	r.Register(ctx, registry.Node{UUID: "n1", Address: "10.0.0.1:9000"}, now)

	n, ok := r.Get(ctx, "n1")
	require.True(t, ok)
	require.True(t, n.Online)
	require.Equal(t, now, n.LastHeartbeatMS)

	later := now + 1000
	ok = r.Heartbeat(ctx, "n1", later, registry.ResourceSnapshot{CPUPercent: 12})
	require.True(t, ok)

	n, _ = r.Get(ctx, "n1")
	require.Equal(t, later, n.LastHeartbeatMS)
	require.InDelta(t, 12, n.Resources.CPUPercent, 0.001)
}

func TestNodeRegistrySweepFlipsOfflineAndPublishes(t *testing.T) {
	ctx := context.Background()
	bus := membackend.New(0)
	r := registry.NewNodeRegistry(bus, registry.WithHeartbeatTimeout(10*time.Millisecond), registry.WithCleanupInterval(5*time.Millisecond))
	defer r.Close()

	zero := uint64(0)
	ch, cancel, err := bus.Subscribe(ctx, eventbus.ResourceStream(eventbus.ResourceNode, "n1"), &zero)
	require.NoError(t, err)
	defer cancel()

	past := time.Now().UTC().Add(-time.Hour).UnixMilli()
	r.Register(ctx, registry.Node{UUID: "n1"}, past)

	select {
	case e := <-ch:
		require.Equal(t, eventbus.OpCreate, e.Op, "registration publishes Create")
	case <-time.After(2 * time.Second):
		t.Fatal("expected registration event")
	}

	select {
	case e := <-ch:
		require.Equal(t, eventbus.OpUpdate, e.Op, "offline sweep publishes Update")
	case <-time.After(2 * time.Second):
		t.Fatal("expected offline transition event")
	}

	n, ok := r.Get(ctx, "n1")
	require.True(t, ok)
	require.False(t, n.Online)
}

func TestNodeRegistryReportNodeBackendsRejectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	r := registry.NewNodeRegistry(nil, registry.WithCleanupInterval(time.Hour))
	defer r.Close()

	r.Register(ctx, registry.Node{UUID: "n1"}, time.Now().UTC().UnixMilli())

	ok := r.ReportNodeBackends(ctx, "n1", 2, []registry.BackendSnapshot{{Kind: "wasm", Available: true}})
	require.True(t, ok)

	ok = r.ReportNodeBackends(ctx, "n1", 1, []registry.BackendSnapshot{{Kind: "process", Available: false}})
	require.True(t, ok) // Mutate itself succeeds; payload should be unchanged below.

	n, _ := r.Get(ctx, "n1")
	require.Equal(t, uint64(2), n.BackendsRevision)
	require.Equal(t, "wasm", n.Backends[0].Kind)
}
