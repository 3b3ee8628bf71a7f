package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/kv"
)

func TestMemStoreGetPutDelete(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemStore()

	_, err := s.Get(ctx, []byte("a"))
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))
	v, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, s.Put(ctx, []byte("a"), []byte("2")))
	v, err = s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, s.Delete(ctx, []byte("a")))
	_, err = s.Get(ctx, []byte("a"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMemStoreRangeOrdered(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemStore()

	for _, k := range []string{"task/b", "task/a", "node/x", "task/c"} {
		require.NoError(t, s.Put(ctx, []byte(k), []byte(k)))
	}

	ch, err := s.Range(ctx, []byte("task/"))
	require.NoError(t, err)

	var got []string
	for e := range ch {
		got = append(got, string(e.Key))
	}
	require.Equal(t, []string{"task/a", "task/b", "task/c"}, got)
}

func TestMemStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemStore()

	ok, err := s.CompareAndSwap(ctx, []byte("k"), nil, []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, []byte("k"), nil, []byte("v2"))
	require.NoError(t, err)
	require.False(t, ok, "CAS with nil oldValue must fail once key exists")

	ok, err = s.CompareAndSwap(ctx, []byte("k"), []byte("wrong"), []byte("v2"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, []byte("k"), []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	require.True(t, ok)

	v, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	ok, err = s.CompareAndSwap(ctx, []byte("k"), []byte("v2"), nil)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}
