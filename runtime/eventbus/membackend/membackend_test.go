package membackend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/eventbus"
	"github.com/lfedgeai/spear/runtime/eventbus/membackend"
)

func TestPublishFansOutToAllStreams(t *testing.T) {
	ctx := context.Background()
	b := membackend.New(0)

	env, err := b.Publish(ctx, eventbus.ResourceTask, "T1", eventbus.OpCreate, []byte("x"), "")
	require.NoError(t, err)
	require.Equal(t, eventbus.ResourceStream(eventbus.ResourceTask, "T1"), env.Stream)
	require.Equal(t, uint64(1), env.Seq)

	zero := uint64(0)
	for _, stream := range []string{eventbus.AllStream, eventbus.TypeStream(eventbus.ResourceTask), eventbus.ResourceStream(eventbus.ResourceTask, "T1")} {
		ch, cancel, err := b.Subscribe(ctx, stream, &zero)
		require.NoError(t, err)
		select {
		case e := <-ch:
			require.Equal(t, "T1", e.ResourceID)
		case <-time.After(time.Second):
			t.Fatalf("no event replayed on stream %s", stream)
		}
		cancel()
	}
}

func TestPublishNodeScopedAlsoWritesNodeStream(t *testing.T) {
	ctx := context.Background()
	b := membackend.New(0)

	_, err := b.Publish(ctx, eventbus.ResourceNode, "N1", eventbus.OpUpdate, nil, "uuid-1")
	require.NoError(t, err)

	zero := uint64(0)
	ch, cancel, err := b.Subscribe(ctx, eventbus.NodeStream("uuid-1"), &zero)
	require.NoError(t, err)
	defer cancel()
	select {
	case e := <-ch:
		require.Equal(t, "N1", e.ResourceID)
	case <-time.After(time.Second):
		t.Fatal("expected node-scoped event")
	}
}

func TestSubscribeGaplessReplayThenLive(t *testing.T) {
	ctx := context.Background()
	b := membackend.New(0)

	_, err := b.Publish(ctx, eventbus.ResourceTask, "T1", eventbus.OpCreate, []byte("1"), "")
	require.NoError(t, err)

	zero := uint64(0)
	ch, cancel, err := b.Subscribe(ctx, eventbus.ResourceStream(eventbus.ResourceTask, "T1"), &zero)
	require.NoError(t, err)
	defer cancel()

	first := <-ch
	require.Equal(t, uint64(1), first.Seq)

	_, err = b.Publish(ctx, eventbus.ResourceTask, "T1", eventbus.OpUpdate, []byte("2"), "")
	require.NoError(t, err)

	select {
	case second := <-ch:
		require.Equal(t, uint64(2), second.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected live event after replay")
	}
}

func TestSubscribeDetectsGap(t *testing.T) {
	ctx := context.Background()
	b := membackend.New(2)

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, eventbus.ResourceTask, "T1", eventbus.OpUpdate, nil, "")
		require.NoError(t, err)
	}

	one := uint64(1)
	_, _, err := b.Subscribe(ctx, eventbus.ResourceStream(eventbus.ResourceTask, "T1"), &one)
	require.ErrorIs(t, err, membackend.ErrGapped)
}

func TestWatchReportsUpsertsAndDeletes(t *testing.T) {
	ctx := context.Background()
	b := membackend.New(0)

	watchCh, cancel, err := b.Watch(ctx, eventbus.ResourceTask, 0)
	require.NoError(t, err)
	defer cancel()

	_, err = b.Publish(ctx, eventbus.ResourceTask, "T1", eventbus.OpCreate, nil, "")
	require.NoError(t, err)

	select {
	case we := <-watchCh:
		require.Len(t, we.Upserts, 1)
		require.Equal(t, "T1", we.Upserts[0].ResourceID)
	case <-time.After(time.Second):
		t.Fatal("expected upsert watch event")
	}

	_, err = b.Publish(ctx, eventbus.ResourceTask, "T1", eventbus.OpDelete, nil, "")
	require.NoError(t, err)

	select {
	case we := <-watchCh:
		require.Equal(t, []string{"T1"}, we.Deletes)
	case <-time.After(time.Second):
		t.Fatal("expected delete watch event")
	}
}
