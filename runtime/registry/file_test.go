package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/kv"
)

func TestFileRegistry_PutComputesHashAndSize(t *testing.T) {
	r := NewFileRegistry(nil, NewObservability(nil, nil, nil), kv.NewMemStore())

	f, err := r.Put(context.Background(), File{ID: "f1", Name: "module.wasm", ContentType: "application/wasm", UpdatedAtMS: 1}, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), f.Size)
	assert.Len(t, f.SHA256, 64)

	got, ok := r.Get(context.Background(), "f1")
	require.True(t, ok)
	assert.Equal(t, f.SHA256, got.SHA256)

	content, err := r.Content(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestFileRegistry_PutRequiresID(t *testing.T) {
	r := NewFileRegistry(nil, NewObservability(nil, nil, nil), kv.NewMemStore())
	_, err := r.Put(context.Background(), File{}, []byte("x"))
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestFileRegistry_ContentUnknownIsNotFound(t *testing.T) {
	r := NewFileRegistry(nil, NewObservability(nil, nil, nil), kv.NewMemStore())
	_, err := r.Content(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFileRegistry_DeleteRemovesContent(t *testing.T) {
	r := NewFileRegistry(nil, NewObservability(nil, nil, nil), kv.NewMemStore())
	_, err := r.Put(context.Background(), File{ID: "f1", UpdatedAtMS: 1}, []byte("x"))
	require.NoError(t, err)

	assert.True(t, r.Delete(context.Background(), "f1"))
	_, err = r.Content(context.Background(), "f1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, ok := r.Get(context.Background(), "f1")
	assert.False(t, ok)
}
