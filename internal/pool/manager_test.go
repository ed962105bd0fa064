package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roasbeef/revbroker/internal/db"
	"github.com/roasbeef/revbroker/internal/store"
	"github.com/stretchr/testify/require"
)

// manualClock is a hand-advanced clock for cooldown and timeout tests.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeProc is an in-memory worker process.
type fakeProc struct {
	pid int

	mu     sync.Mutex
	exited bool
	code   int
}

func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	p.exited = true
	p.code = code
	p.mu.Unlock()
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.exited
}

func (p *fakeProc) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.code, p.exited
}

func (p *fakeProc) Terminate() error {
	p.exit(0)
	return nil
}

func (p *fakeProc) Kill() error {
	p.exit(-1)
	return nil
}

func (p *fakeProc) WaitExit(time.Duration) bool {
	return !p.Running()
}

// fakeLauncher hands out fakeProcs and records every LaunchSpec.
type fakeLauncher struct {
	mu    sync.Mutex
	specs []LaunchSpec
	procs []*fakeProc
}

func (l *fakeLauncher) Launch(_ context.Context,
	spec LaunchSpec) (WorkerProcess, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	p := &fakeProc{pid: 4000 + len(l.procs)}
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)

	return p, nil
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.procs[i]
}

func (l *fakeLauncher) spec(i int) LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.specs[i]
}

type poolHarness struct {
	mgr      *Manager
	store    *store.SQLStore
	launcher *fakeLauncher
	clock    *manualClock
	repoRoot string
}

func newPoolHarness(t *testing.T, cfg *Config) *poolHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "pool.sqlite3")
	database, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, database.Close())
	})
	require.NoError(t, database.MigrateUp(context.Background()))

	st := store.NewSQLStore(database)
	clock := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	launcher := &fakeLauncher{}
	repoRoot := t.TempDir()

	mgr := NewManager(ManagerConfig{
		Config:       cfg,
		Store:        st,
		Launcher:     launcher,
		SessionToken: "feedcafe",
		RepoRoot:     repoRoot,
		Clock:        clock.Now,
	})

	return &poolHarness{
		mgr:      mgr,
		store:    st,
		launcher: launcher,
		clock:    clock,
		repoRoot: repoRoot,
	}
}

// seedReview inserts a minimal review row, claimed when claimedBy is set.
func (h *poolHarness) seedReview(t *testing.T, id, project, status,
	claimedBy string) {

	t.Helper()

	now := h.clock.Now()
	rev := store.Review{
		ID:           id,
		Status:       status,
		Intent:       "test intent",
		AgentType:    "gsd-executor",
		AgentRole:    "proposer",
		Phase:        "1",
		Project:      project,
		Priority:     "normal",
		CurrentRound: 1,
		ClaimedBy:    claimedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if claimedBy != "" && status == "claimed" {
		rev.ClaimGeneration = 1
		rev.ClaimedAt = &now
	}

	require.NoError(t, h.store.CreateReview(context.Background(), rev))
}

func TestManagerSpawn(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())
	ctx := context.Background()

	info, err := h.mgr.Spawn(ctx, "alpha", false)
	require.NoError(t, err)
	require.Equal(t, "reviewer-1-feedcafe", info.ReviewerID)
	require.Equal(t, "reviewer-1", info.DisplayName)
	require.Equal(t, 4000, info.PID)

	spec := h.launcher.spec(0)
	require.Equal(t, []string{
		"codex", "exec",
		"--model", "gpt-5-codex",
		"-c", "model_reasoning_effort=medium",
		"--skip-git-repo-check",
		"-",
	}, spec.Argv)
	require.Equal(t, h.repoRoot, spec.Dir)
	require.Contains(t, spec.Prompt, info.ReviewerID)

	rv, err := h.store.GetReviewer(ctx, info.ReviewerID)
	require.NoError(t, err)
	require.Equal(t, store.ReviewerActive, rv.Status)
	require.Equal(t, "feedcafe", rv.SessionToken)
	require.Equal(t, 4000, rv.PID)

	events, err := h.store.ListAudit(ctx)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, store.EventReviewerSpawned, last.EventType)
	require.Equal(t, info.ReviewerID, last.Actor)
	require.Contains(t, last.Metadata, `"project":"alpha"`)

	require.True(t, h.mgr.IsLive(info.ReviewerID))
}

func TestManagerSpawnDisabled(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)

	_, err := h.mgr.Spawn(context.Background(), "", false)
	require.ErrorIs(t, err, ErrPoolDisabled)
	require.False(t, h.mgr.Enabled())
}

func TestManagerSpawnCooldown(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.mgr.Spawn(ctx, "", false)
	require.NoError(t, err)

	var cooldown *CooldownError
	_, err = h.mgr.Spawn(ctx, "", false)
	require.ErrorAs(t, err, &cooldown)
	require.InDelta(t, 30.0, cooldown.RetryAfterSeconds, 0.01)

	// The retry hint shrinks as time passes.
	h.clock.Advance(10 * time.Second)
	_, err = h.mgr.Spawn(ctx, "", false)
	require.ErrorAs(t, err, &cooldown)
	require.InDelta(t, 20.0, cooldown.RetryAfterSeconds, 0.01)

	// Scaler spawns bypass the throttle.
	_, err = h.mgr.Spawn(ctx, "", true)
	require.NoError(t, err)

	h.clock.Advance(31 * time.Second)
	_, err = h.mgr.Spawn(ctx, "", false)
	require.NoError(t, err)
}

func TestManagerCapCountsDraining(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxPoolSize = 2
	h := newPoolHarness(t, cfg)
	ctx := context.Background()

	a, err := h.mgr.Spawn(ctx, "alpha", false)
	require.NoError(t, err)
	h.clock.Advance(31 * time.Second)
	_, err = h.mgr.Spawn(ctx, "alpha", false)
	require.NoError(t, err)

	// A holds a claim, so draining leaves it running.
	h.seedReview(t, "r1", "alpha", "claimed", a.ReviewerID)
	terminated, err := h.mgr.Drain(ctx, a.ReviewerID, "kill request")
	require.NoError(t, err)
	require.False(t, terminated)

	rv, err := h.store.GetReviewer(ctx, a.ReviewerID)
	require.NoError(t, err)
	require.Equal(t, store.ReviewerDraining, rv.Status)
	require.True(t, h.launcher.proc(0).Running())

	// Draining workers still occupy a pool slot.
	h.clock.Advance(31 * time.Second)
	_, err = h.mgr.Spawn(ctx, "alpha", false)
	require.ErrorIs(t, err, ErrPoolCapReached)

	// Once the claim settles, the drain finalizes and frees the slot.
	rev, err := h.store.GetReview(ctx, "r1")
	require.NoError(t, err)
	rev.Status = "approved"
	require.NoError(t, h.store.UpdateReview(ctx, rev))

	done, err := h.mgr.FinalizeIfDrained(ctx, a.ReviewerID)
	require.NoError(t, err)
	require.True(t, done)
	require.False(t, h.launcher.proc(0).Running())

	rv, err = h.store.GetReviewer(ctx, a.ReviewerID)
	require.NoError(t, err)
	require.Equal(t, store.ReviewerTerminated, rv.Status)
	require.NotNil(t, rv.TerminatedAt)

	_, err = h.mgr.Spawn(ctx, "alpha", false)
	require.NoError(t, err)
}

func TestManagerDrainWithoutClaims(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())
	ctx := context.Background()

	a, err := h.mgr.Spawn(ctx, "", false)
	require.NoError(t, err)

	terminated, err := h.mgr.Drain(ctx, a.ReviewerID, "idle timeout")
	require.NoError(t, err)
	require.True(t, terminated)

	rv, err := h.store.GetReviewer(ctx, a.ReviewerID)
	require.NoError(t, err)
	require.Equal(t, store.ReviewerTerminated, rv.Status)
	require.False(t, h.mgr.IsLive(a.ReviewerID))

	// Drain start and termination are both on the audit log.
	events, err := h.store.ListAudit(ctx)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, store.EventReviewerDrainStart)
	require.Contains(t, types, store.EventReviewerTerminated)

	_, err = h.mgr.Drain(ctx, a.ReviewerID, "again")
	require.ErrorIs(t, err, ErrAlreadyTerminated)
}

func TestManagerTerminateRecordsExitCode(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())
	ctx := context.Background()

	a, err := h.mgr.Spawn(ctx, "", false)
	require.NoError(t, err)

	// The process dies on its own with a real exit code.
	h.launcher.proc(0).exit(3)
	require.Equal(t, []string{a.ReviewerID}, h.mgr.DeadWorkers())

	require.NoError(t, h.mgr.Terminate(ctx, a.ReviewerID))
	require.Empty(t, h.mgr.DeadWorkers())

	events, err := h.store.ListAudit(ctx)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, store.EventReviewerTerminated, last.EventType)
	require.Contains(t, last.Metadata, `"exit_code":3`)

	// Terminating an already terminated reviewer is a no-op.
	require.NoError(t, h.mgr.Terminate(ctx, a.ReviewerID))
}

func TestManagerCleanupStaleSessions(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())
	ctx := context.Background()

	now := h.clock.Now()
	for _, stale := range []store.Reviewer{
		{
			ID:           "reviewer-1-deadbeef",
			DisplayName:  "reviewer-1",
			SessionToken: "deadbeef",
			Status:       store.ReviewerActive,
			PID:          101,
			SpawnedAt:    now.Add(-2 * time.Hour),
			LastActiveAt: now.Add(-2 * time.Hour),
		},
		{
			ID:           "reviewer-2-deadbeef",
			DisplayName:  "reviewer-2",
			SessionToken: "deadbeef",
			Status:       store.ReviewerDraining,
			PID:          102,
			SpawnedAt:    now.Add(-time.Hour),
			LastActiveAt: now.Add(-time.Hour),
		},
	} {
		require.NoError(t, h.store.CreateReviewer(ctx, stale))
	}

	mine, err := h.mgr.Spawn(ctx, "", false)
	require.NoError(t, err)

	cleaned, err := h.mgr.CleanupStaleSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, cleaned)

	for _, id := range []string{
		"reviewer-1-deadbeef", "reviewer-2-deadbeef",
	} {
		rv, err := h.store.GetReviewer(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.ReviewerTerminated, rv.Status)
	}

	// The current session's worker is untouched.
	rv, err := h.store.GetReviewer(ctx, mine.ReviewerID)
	require.NoError(t, err)
	require.Equal(t, store.ReviewerActive, rv.Status)
}

func TestManagerWSLArgv(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.WSLDistro = "Ubuntu-22.04"
	h := newPoolHarness(t, cfg)

	_, err := h.mgr.Spawn(context.Background(), "", false)
	require.NoError(t, err)

	argv := h.launcher.spec(0).Argv
	require.Equal(t, []string{"wsl", "-d", "Ubuntu-22.04", "--"}, argv[:4])
	require.Equal(t, "codex", argv[4])
}

func TestManagerShutdown(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, defaultConfig())
	ctx := context.Background()

	a, err := h.mgr.Spawn(ctx, "", false)
	require.NoError(t, err)
	h.clock.Advance(31 * time.Second)
	b, err := h.mgr.Spawn(ctx, "", false)
	require.NoError(t, err)

	h.mgr.Shutdown(ctx)

	for _, id := range []string{a.ReviewerID, b.ReviewerID} {
		rv, err := h.store.GetReviewer(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.ReviewerTerminated, rv.Status)
		require.False(t, h.mgr.IsLive(id))
	}
	require.False(t, h.launcher.proc(0).Running())
	require.False(t, h.launcher.proc(1).Running())
}
