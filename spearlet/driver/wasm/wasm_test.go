package wasm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/registry"
	"github.com/lfedgeai/spear/spearlet/driver"
)

func TestCreateInstance_RejectsBadMagicHeader(t *testing.T) {
	ctx := context.Background()
	d, err := New(ctx, nil)
	require.NoError(t, err)
	defer d.Close(ctx)

	_, err = d.CreateInstance(ctx, driver.Spec{
		InstanceID:    "bad-1",
		RuntimeType:   registry.ExecutableWasm,
		ArtifactBytes: []byte{0x01, 0x02, 0x03, 0x04},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidConfiguration))
}

func TestCreateInstance_RejectsTooShortArtifact(t *testing.T) {
	ctx := context.Background()
	d, err := New(ctx, nil)
	require.NoError(t, err)
	defer d.Close(ctx)

	_, err = d.CreateInstance(ctx, driver.Spec{InstanceID: "bad-2", ArtifactBytes: []byte{0x00}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidConfiguration))
}

func TestExecute_UnknownInstance(t *testing.T) {
	ctx := context.Background()
	d, err := New(ctx, nil)
	require.NoError(t, err)
	defer d.Close(ctx)

	_, err = d.Execute(ctx, &handle{id: "missing"}, driver.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}
