package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roasbeef/revbroker/internal/store"
)

const (
	// terminateGrace is how long a worker gets to exit after SIGTERM
	// before it is force killed.
	terminateGrace = 10 * time.Second

	// killGrace is how long to wait for the process to disappear after a
	// force kill.
	killGrace = 2 * time.Second
)

var (
	// ErrPoolDisabled is returned by spawn paths when no reviewer_pool
	// config section was loaded.
	ErrPoolDisabled = errors.New("reviewer pool is not configured")

	// ErrPoolCapReached is returned when max_pool_size live workers
	// already exist.
	ErrPoolCapReached = errors.New("reviewer pool at max_pool_size")

	// ErrAlreadyTerminated is returned when draining a reviewer that has
	// already been terminated.
	ErrAlreadyTerminated = errors.New("reviewer already terminated")
)

// CooldownError reports a spawn refused by the cooldown throttle, carrying
// the time left until the next spawn is allowed.
type CooldownError struct {
	RetryAfterSeconds float64
}

// Error implements the error interface.
func (e *CooldownError) Error() string {
	return fmt.Sprintf("spawn cooldown active, retry in %.1fs",
		e.RetryAfterSeconds)
}

// SpawnInfo describes a successfully spawned worker.
type SpawnInfo struct {
	ReviewerID  string
	DisplayName string
	PID         int
}

// workerHandle pairs a live subprocess with the pool bookkeeping that only
// exists in memory.
type workerHandle struct {
	proc      WorkerProcess
	project   string
	spawnedAt time.Time
	draining  bool
}

// ManagerConfig bundles the dependencies of a pool Manager.
type ManagerConfig struct {
	// Config is the validated reviewer_pool section. Nil disables the
	// pool: spawns are refused, reapers become no-ops, but session
	// recovery still runs against the database.
	Config *Config

	// Store is the broker's persistence layer.
	Store store.Storage

	// Launcher starts worker subprocesses. Defaults to ExecLauncher.
	Launcher Launcher

	// SessionToken identifies this daemon run. Generated when empty.
	SessionToken string

	// RepoRoot is the working directory for workers when the pool config
	// does not set workspace_path.
	RepoRoot string

	// LogDir receives per-worker JSONL logs. Empty disables them.
	LogDir string

	// LogMaxBytes and LogBackups control worker log rotation.
	LogMaxBytes int64
	LogBackups  int

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Manager owns the reviewer worker subprocesses: spawning, draining,
// terminating, and the in-memory handles that tie database reviewer rows to
// live processes. All mutating entry points are safe for concurrent use,
// though in practice they are serialized behind the broker actor.
type Manager struct {
	cfg      *Config
	store    store.Storage
	launcher Launcher
	session  string
	repoRoot string

	logDir      string
	logMaxBytes int64
	logBackups  int

	clock func() time.Time

	mu        sync.Mutex
	procs     map[string]*workerHandle
	counter   int
	lastSpawn time.Time
}

// NewManager creates a pool manager. The manager is usable even when cfg is
// nil; Enabled reports false and spawn paths refuse.
func NewManager(cfg ManagerConfig) *Manager {
	session := cfg.SessionToken
	if session == "" {
		session = newSessionToken()
	}
	launcher := cfg.Launcher
	if launcher == nil {
		launcher = &ExecLauncher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Manager{
		cfg:         cfg.Config,
		store:       cfg.Store,
		launcher:    launcher,
		session:     session,
		repoRoot:    cfg.RepoRoot,
		logDir:      cfg.LogDir,
		logMaxBytes: cfg.LogMaxBytes,
		logBackups:  cfg.LogBackups,
		clock:       clock,
		procs:       make(map[string]*workerHandle),
	}
}

// newSessionToken returns the short random token that scopes reviewer
// identities to one daemon run.
func newSessionToken() string {
	return uuid.NewString()[:8]
}

// Enabled reports whether a pool config was loaded.
func (m *Manager) Enabled() bool {
	return m.cfg != nil
}

// Config returns the loaded pool config, nil when disabled.
func (m *Manager) Config() *Config {
	return m.cfg
}

// SessionToken returns the token scoping this run's reviewer identities.
func (m *Manager) SessionToken() string {
	return m.session
}

// buildWorkerArgv constructs the worker command line. Front matter from the
// prompt template overrides the config's model and reasoning effort.
func buildWorkerArgv(cfg *Config, meta promptMeta) []string {
	model := cfg.Model
	if meta.Model != "" {
		model = meta.Model
	}
	effort := cfg.ReasoningEffort
	if meta.ReasoningEffort != "" {
		effort = meta.ReasoningEffort
	}

	argv := []string{
		"codex", "exec",
		"--model", model,
		"-c", "model_reasoning_effort=" + effort,
		"--skip-git-repo-check",
		"-",
	}
	if cfg.WSLDistro != "" {
		argv = append(
			[]string{"wsl", "-d", cfg.WSLDistro, "--"}, argv...,
		)
	}

	return argv
}

// Spawn starts one worker, registers it in the database, and returns its
// identity. The cooldown throttle applies unless ignoreCooldown is set; the
// max_pool_size cap always applies.
func (m *Manager) Spawn(ctx context.Context, project string,
	ignoreCooldown bool) (SpawnInfo, error) {

	if !m.Enabled() {
		return SpawnInfo{}, ErrPoolDisabled
	}

	m.mu.Lock()
	now := m.clock()
	if !ignoreCooldown && !m.lastSpawn.IsZero() {
		cooldown := m.cfg.SpawnCooldown()
		if elapsed := now.Sub(m.lastSpawn); elapsed < cooldown {
			retry := (cooldown - elapsed).Seconds()
			m.mu.Unlock()

			return SpawnInfo{}, &CooldownError{RetryAfterSeconds: retry}
		}
	}
	if m.liveCountLocked() >= m.cfg.MaxPoolSize {
		m.mu.Unlock()
		return SpawnInfo{}, ErrPoolCapReached
	}
	m.counter++
	display := fmt.Sprintf("reviewer-%d", m.counter)
	reviewerID := display + "-" + m.session
	m.mu.Unlock()

	prompt, meta, err := renderPrompt(m.cfg, reviewerID)
	if err != nil {
		return SpawnInfo{}, err
	}

	dir := m.cfg.WorkspacePath
	if dir == "" {
		dir = m.repoRoot
	}

	proc, err := m.launcher.Launch(ctx, LaunchSpec{
		ReviewerID:  reviewerID,
		Project:     project,
		Argv:        buildWorkerArgv(m.cfg, meta),
		Dir:         dir,
		Prompt:      prompt,
		LogDir:      m.logDir,
		LogMaxBytes: m.logMaxBytes,
		LogBackups:  m.logBackups,
	})
	if err != nil {
		return SpawnInfo{}, fmt.Errorf("unable to launch reviewer: %w", err)
	}

	model := m.cfg.Model
	if meta.Model != "" {
		model = meta.Model
	}
	spawnedAt := m.clock()
	auditMeta := map[string]any{
		"pid":   proc.PID(),
		"model": model,
	}
	if project != "" {
		auditMeta["project"] = project
	}

	err = m.store.WithTx(ctx, func(ctx context.Context,
		s store.Storage) error {

		err := s.CreateReviewer(ctx, store.Reviewer{
			ID:           reviewerID,
			DisplayName:  display,
			SessionToken: m.session,
			Status:       store.ReviewerActive,
			PID:          proc.PID(),
			SpawnedAt:    spawnedAt,
			LastActiveAt: spawnedAt,
		})
		if err != nil {
			return err
		}

		return s.AppendAudit(ctx, store.AuditEvent{
			EventType: store.EventReviewerSpawned,
			Actor:     reviewerID,
			Metadata:  encodeMeta(auditMeta),
			CreatedAt: spawnedAt,
		})
	})
	if err != nil {
		// The process must not outlive a failed registration.
		stopProcess(proc)

		return SpawnInfo{}, fmt.Errorf("unable to persist reviewer: %w",
			err)
	}

	m.mu.Lock()
	m.procs[reviewerID] = &workerHandle{
		proc:      proc,
		project:   project,
		spawnedAt: spawnedAt,
	}
	m.lastSpawn = m.clock()
	m.mu.Unlock()

	log.Infof("Spawned reviewer %s (pid %d, project=%q)", reviewerID,
		proc.PID(), project)

	return SpawnInfo{
		ReviewerID:  reviewerID,
		DisplayName: display,
		PID:         proc.PID(),
	}, nil
}

// liveCountLocked counts workers whose process has not exited, draining
// included since they still occupy a slot. Callers hold m.mu.
func (m *Manager) liveCountLocked() int {
	n := 0
	for _, h := range m.procs {
		if h.proc.Running() {
			n++
		}
	}

	return n
}

// IsLive reports whether the reviewer has an in-memory process handle that
// has not exited.
func (m *Manager) IsLive(reviewerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.procs[reviewerID]

	return ok && h.proc.Running()
}

// DeadWorkers returns reviewer ids whose process handle exists but has
// exited.
func (m *Manager) DeadWorkers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []string
	for id, h := range m.procs {
		if !h.proc.Running() {
			dead = append(dead, id)
		}
	}

	return dead
}

// Drain marks the reviewer as draining and terminates it right away when it
// has no open reviews attached. Returns whether the reviewer was terminated
// in this call.
func (m *Manager) Drain(ctx context.Context, reviewerID,
	reason string) (bool, error) {

	rv, err := m.store.GetReviewer(ctx, reviewerID)
	if err != nil {
		return false, err
	}

	switch rv.Status {
	case store.ReviewerTerminated:
		return false, fmt.Errorf("reviewer %s: %w", reviewerID,
			ErrAlreadyTerminated)

	case store.ReviewerActive:
		now := m.clock()
		err := m.store.WithTx(ctx, func(ctx context.Context,
			s store.Storage) error {

			rv.Status = store.ReviewerDraining
			if err := s.UpdateReviewer(ctx, rv); err != nil {
				return err
			}

			return s.AppendAudit(ctx, store.AuditEvent{
				EventType: store.EventReviewerDrainStart,
				Actor:     reviewerID,
				Metadata: encodeMeta(map[string]any{
					"reason": reason,
				}),
				CreatedAt: now,
			})
		})
		if err != nil {
			return false, err
		}

		m.mu.Lock()
		if h, ok := m.procs[reviewerID]; ok {
			h.draining = true
		}
		m.mu.Unlock()

		log.Infof("Reviewer %s draining: %s", reviewerID, reason)
	}

	// Already-draining reviewers fall through to the finalize check so a
	// repeated drain converges.
	open, err := m.store.ListAttachedReviews(ctx, reviewerID)
	if err != nil {
		return false, err
	}
	if len(open) > 0 {
		return false, nil
	}

	if err := m.Terminate(ctx, reviewerID); err != nil {
		return false, err
	}

	return true, nil
}

// Terminate stops the worker process (SIGTERM, then kill after a grace
// period) and marks the reviewer row terminated with its exit code.
func (m *Manager) Terminate(ctx context.Context, reviewerID string) error {
	m.mu.Lock()
	h := m.procs[reviewerID]
	delete(m.procs, reviewerID)
	m.mu.Unlock()

	exitCode := -1
	if h != nil {
		stopProcess(h.proc)
		if code, exited := h.proc.ExitCode(); exited {
			exitCode = code
		}
	}

	rv, err := m.store.GetReviewer(ctx, reviewerID)
	if err != nil {
		// A handle without a row means registration failed mid-spawn;
		// the process is already stopped.
		if errors.Is(err, store.ErrReviewerNotFound) {
			return nil
		}
		return err
	}
	if rv.Status == store.ReviewerTerminated {
		return nil
	}

	now := m.clock()

	err = m.store.WithTx(ctx, func(ctx context.Context,
		s store.Storage) error {

		rv.Status = store.ReviewerTerminated
		rv.TerminatedAt = &now
		if err := s.UpdateReviewer(ctx, rv); err != nil {
			return err
		}

		return s.AppendAudit(ctx, store.AuditEvent{
			EventType: store.EventReviewerTerminated,
			Actor:     reviewerID,
			Metadata: encodeMeta(map[string]any{
				"exit_code":         exitCode,
				"reviews_completed": rv.ReviewsCompleted,
			}),
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}

	log.Infof("Reviewer %s terminated (exit code %d)", reviewerID, exitCode)

	return nil
}

// FinalizeIfDrained terminates the reviewer if it is draining and no open
// reviews remain attached to it. Unknown reviewer ids (human reviewers) are
// ignored. Returns whether the reviewer was terminated.
func (m *Manager) FinalizeIfDrained(ctx context.Context,
	reviewerID string) (bool, error) {

	if reviewerID == "" {
		return false, nil
	}

	rv, err := m.store.GetReviewer(ctx, reviewerID)
	if err != nil {
		if errors.Is(err, store.ErrReviewerNotFound) {
			return false, nil
		}
		return false, err
	}
	if rv.Status != store.ReviewerDraining {
		return false, nil
	}

	open, err := m.store.ListAttachedReviews(ctx, reviewerID)
	if err != nil {
		return false, err
	}
	if len(open) > 0 {
		return false, nil
	}

	if err := m.Terminate(ctx, reviewerID); err != nil {
		return false, err
	}

	return true, nil
}

// CleanupStaleSessions terminates reviewer rows left active or draining by
// previous daemon runs. Their processes are gone; only the rows need
// settling. Runs even when the pool is disabled for this session.
func (m *Manager) CleanupStaleSessions(ctx context.Context) (int, error) {
	rows, err := m.store.ListReviewersByStatuses(
		ctx, store.ReviewerActive, store.ReviewerDraining,
	)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, rv := range rows {
		if rv.SessionToken == m.session {
			continue
		}

		now := m.clock()
		rv := rv
		err := m.store.WithTx(ctx, func(ctx context.Context,
			s store.Storage) error {

			rv.Status = store.ReviewerTerminated
			rv.TerminatedAt = &now
			if err := s.UpdateReviewer(ctx, rv); err != nil {
				return err
			}

			return s.AppendAudit(ctx, store.AuditEvent{
				EventType: store.EventReviewerTerminated,
				Actor:     rv.ID,
				Metadata: encodeMeta(map[string]any{
					"reason":            "stale_session",
					"reviews_completed": rv.ReviewsCompleted,
				}),
				CreatedAt: now,
			})
		})
		if err != nil {
			return cleaned, err
		}
		cleaned++

		log.Infof("Terminated stale reviewer %s from session %s", rv.ID,
			rv.SessionToken)
	}

	return cleaned, nil
}

// Shutdown terminates every live worker. Called during daemon teardown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil {
			log.Warnf("Unable to terminate reviewer %s during "+
				"shutdown: %v", id, err)
		}
	}
}

// stopProcess politely stops a worker, escalating to a force kill when the
// grace period runs out.
func stopProcess(proc WorkerProcess) {
	if !proc.Running() {
		return
	}

	if err := proc.Terminate(); err != nil {
		log.Warnf("SIGTERM failed: %v", err)
	}
	if proc.WaitExit(terminateGrace) {
		return
	}

	if err := proc.Kill(); err != nil {
		log.Warnf("Kill failed: %v", err)
	}
	proc.WaitExit(killGrace)
}

// encodeMeta renders audit metadata as a JSON object string.
func encodeMeta(meta map[string]any) string {
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}

	return string(b)
}
