package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScalePassDisabled(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)

	spawned, err := h.mgr.ScalePass(context.Background())
	require.NoError(t, err)
	require.Zero(t, spawned)
}

func TestScalePassSpawnsPerProject(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())
	ctx := context.Background()

	// Four pending in alpha wants two workers at ratio 3; one pending in
	// beta wants one.
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		h.seedReview(t, id, "alpha", "pending", "")
	}
	h.seedReview(t, "b1", "beta", "pending", "")

	spawned, err := h.mgr.ScalePass(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, spawned)

	var projects []string
	for i := 0; i < spawned; i++ {
		projects = append(projects, h.launcher.spec(i).Project)
	}
	require.Equal(t, []string{"alpha", "alpha", "beta"}, projects)
}

func TestScalePassRespectsExistingWorkers(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.mgr.Spawn(ctx, "alpha", false)
	require.NoError(t, err)

	h.seedReview(t, "a1", "alpha", "pending", "")
	h.seedReview(t, "a2", "alpha", "pending", "")
	h.seedReview(t, "a3", "alpha", "pending", "")

	// ceil(3/3) = 1 target, 1 active: nothing to do.
	spawned, err := h.mgr.ScalePass(ctx)
	require.NoError(t, err)
	require.Zero(t, spawned)
}

func TestScalePassCapEndsPass(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxPoolSize = 1
	h := newPoolHarness(t, cfg)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		h.seedReview(t, id, "alpha", "pending", "")
	}
	for _, id := range []string{"b1", "b2", "b3"} {
		h.seedReview(t, id, "beta", "pending", "")
	}

	// The cap stops the whole pass rather than erroring.
	spawned, err := h.mgr.ScalePass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, spawned)
	require.Equal(t, "alpha", h.launcher.spec(0).Project)
}

func TestScalePassIgnoresDrainingWorkers(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())
	ctx := context.Background()

	a, err := h.mgr.Spawn(ctx, "alpha", false)
	require.NoError(t, err)

	// A claim keeps the worker alive through the drain.
	h.seedReview(t, "r1", "alpha", "claimed", a.ReviewerID)
	terminated, err := h.mgr.Drain(ctx, a.ReviewerID, "kill request")
	require.NoError(t, err)
	require.False(t, terminated)

	// A draining worker no longer serves its project bucket.
	h.seedReview(t, "r2", "alpha", "pending", "")
	spawned, err := h.mgr.ScalePass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, spawned)
}

func TestScalePassNoPending(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())

	spawned, err := h.mgr.ScalePass(context.Background())
	require.NoError(t, err)
	require.Zero(t, spawned)
}
