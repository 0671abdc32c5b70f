package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	env := newTestEnv(t)
	tr := env.mgr.Tracker()
	ctx := context.Background()

	ok, err := tr.SetActive(ctx, "u1", "t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.SetActive(ctx, "u1", "t2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := tr.GetActive(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	cleared, err := tr.ClearIf(ctx, "u1", "t2")
	require.NoError(t, err)
	assert.False(t, cleared)

	has, err := tr.HasActive(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, has)

	cleared, err = tr.ClearIf(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.True(t, cleared)

	id, err = tr.GetActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, tr.Clear(ctx, "nobody"))
}

func TestTrackerSlotExpires(t *testing.T) {
	env := newTestEnv(t)
	tr := env.mgr.Tracker()
	ctx := context.Background()

	ok, err := tr.SetActive(ctx, "u1", "t1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	env.mr.FastForward(2 * time.Minute)

	ok, err = tr.SetActive(ctx, "u1", "t2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
