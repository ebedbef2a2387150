package training

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySinkRoundTrip(t *testing.T) {
	ctx := context.New()
	v := ctx.VariableWithValue("weight", float32(1))

	sink := NewMemorySink(ctx)
	require.NoError(t, sink.Save())

	v.SetValue(tensors.FromScalar(float32(2)))
	require.NoError(t, sink.Restore())
	assert.Equal(t, float32(1), tensors.ToScalar[float32](v.Value()))
}

func TestMemorySinkRestoreWithoutSave(t *testing.T) {
	sink := NewMemorySink(context.New())
	err := sink.Restore()
	require.Error(t, err)
	var ckptErr *CheckpointError
	assert.True(t, errors.As(err, &ckptErr))
	assert.Equal(t, "restore", ckptErr.Op)
}

func TestSinkCallbacks(t *testing.T) {
	var saves, restores int
	sink := NewSink(
		func() error { saves++; return nil },
		func() error { restores++; return nil },
	)

	var ckptErr *CheckpointError
	err := sink.Restore() // before any save
	require.Error(t, err)
	assert.True(t, errors.As(err, &ckptErr))
	assert.Equal(t, 0, restores)

	require.NoError(t, sink.Save())
	require.NoError(t, sink.Restore())
	assert.Equal(t, 1, saves)
	assert.Equal(t, 1, restores)
}

func TestSinkTarget(t *testing.T) {
	sink := NewSink(func() error { return nil }, func() error { return nil })
	assert.Equal(t, "the checkpoint sink", sink.Target())
	assert.Equal(t, "/models/run1", sink.WithTarget("/models/run1").Target())
	assert.Equal(t, "the in-memory snapshot", NewMemorySink(context.New()).Target())
}

func TestSinkWrapsCallbackErrors(t *testing.T) {
	sink := NewSink(
		func() error { return errors.New("disk full") },
		func() error { return nil },
	)
	err := sink.Save()
	require.Error(t, err)
	var ckptErr *CheckpointError
	assert.True(t, errors.As(err, &ckptErr))
	assert.Contains(t, err.Error(), "disk full")
}
