// Package loopmanager owns the set of live LoopEngines (C8): it creates and
// restores loops, routes control commands to the right engine, and wires
// each engine's persistence callback so a stopped or deleted loop can never
// clobber storage with a stale write. Grounded on the teacher's
// PipelineRegistry/PipelineState pattern: a mutex-guarded map plus a
// per-loop status projection, generalised from one-shot pipelines to
// long-running, resumable loops.
package loopmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/ralphloop/ralph/internal/agentbackend"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/gitservice"
	"github.com/ralphloop/ralph/internal/loopconfig"
	"github.com/ralphloop/ralph/internal/loopengine"
	"github.com/ralphloop/ralph/internal/loopstate"
	"github.com/ralphloop/ralph/internal/persistence"
	"github.com/ralphloop/ralph/internal/statemachine"
)

// BackendFactory builds a fresh agentbackend.Backend for one loop. Each loop
// gets its own backend instance so sessions never leak across loops.
type BackendFactory func() agentbackend.Backend

// entry is one managed loop: its engine, the config that built it, and the
// bookkeeping needed to drive Start in the background and stop it cleanly.
type entry struct {
	mu     sync.Mutex
	config loopconfig.LoopConfig
	state  *loopstate.State
	engine *loopengine.Engine
	done   chan struct{}
	runErr error
}

// Manager is the process-wide owner of every live loop. The zero value is
// not usable; construct with New.
type Manager struct {
	mu    sync.RWMutex
	loops map[string]*entry

	store          persistence.Store
	configStore    *configStore
	bus            *eventbus.Bus
	git            *gitservice.Service
	backendFactory BackendFactory
	logger         *slog.Logger
}

// New constructs a Manager. configDir holds one YAML file per loop's
// LoopConfig (persistence.Store only carries mutable LoopState, so the
// immutable config that recreates an Engine on restore is kept alongside it
// under configDir, named <loopId>.yaml).
func New(store persistence.Store, configDir string, bus *eventbus.Bus, git *gitservice.Service, backendFactory BackendFactory, logger *slog.Logger) (*Manager, error) {
	cs, err := newConfigStore(configDir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		loops:          make(map[string]*entry),
		store:          store,
		configStore:    cs,
		bus:            bus,
		git:            git,
		backendFactory: backendFactory,
		logger:         logger,
	}, nil
}

// CreateLoop validates cfg, assigns an ID if unset, and registers a new
// idle loop (plan-mode loops too, with their PlanMode state marked active).
// It does not start the loop.
func (m *Manager) CreateLoop(cfg loopconfig.LoopConfig) (*loopstate.State, error) {
	if cfg.ID == "" {
		cfg.ID = "loop-" + ulid.Make().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.loops[cfg.ID]; exists {
		return nil, fmt.Errorf("loopmanager: loop %q already exists", cfg.ID)
	}

	parsed, err := loopconfig.Parse(mustYAML(cfg))
	if err != nil {
		return nil, fmt.Errorf("loopmanager: invalid config: %w", err)
	}

	state := loopstate.New()
	if parsed.PlanMode {
		state.PlanMode = &loopstate.PlanModeState{Active: true}
	}
	if parsed.ReviewCycles > 0 {
		state.ReviewMode = &loopstate.ReviewModeState{
			ReviewCycles:     parsed.ReviewCycles,
			CompletionAction: parsed.CompletionAction,
		}
	}

	if err := m.configStore.save(*parsed); err != nil {
		return nil, err
	}
	if err := m.store.SaveLoopState(parsed.ID, state); err != nil {
		m.logger.Error("initial persist failed", "loopId", parsed.ID, "error", err)
	}

	m.loops[parsed.ID] = &entry{config: *parsed, state: state, engine: m.newEngine(*parsed, state)}
	return state, nil
}

// mustYAML round-trips cfg through YAML so loopconfig.Parse's defaulting
// and validation run identically for programmatically-built configs as for
// ones loaded from disk.
func mustYAML(cfg loopconfig.LoopConfig) []byte {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		panic(fmt.Sprintf("loopmanager: marshal config: %v", err))
	}
	return b
}

func (m *Manager) newEngine(cfg loopconfig.LoopConfig, state *loopstate.State) *loopengine.Engine {
	backend := m.backendFactory()
	loopID := cfg.ID
	persistFn := func(s *loopstate.State) error {
		return m.store.SaveLoopState(loopID, s)
	}
	return loopengine.New(loopID, cfg, state, m.bus, m.git, backend, m.logger.With("loopId", loopID), persistFn)
}

// Restore reloads every non-deleted loop's config and most recent state
// snapshot from storage, reconstructing its Engine without starting it.
// Callers typically follow this with ReconnectSession + StartLoop (or
// ContinueExecution) per loop, since a restored loop is not automatically
// resumed.
func (m *Manager) Restore() error {
	snapshots, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("loopmanager: restore: %w", err)
	}
	configs, err := m.configStore.loadAll()
	if err != nil {
		return fmt.Errorf("loopmanager: restore: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for loopID, state := range snapshots {
		cfg, ok := configs[loopID]
		if !ok {
			m.logger.Warn("restore: snapshot without matching config, skipping", "loopId", loopID)
			continue
		}
		m.loops[loopID] = &entry{config: cfg, state: state, engine: m.newEngine(cfg, state)}
	}
	return nil
}

// Get returns the live state for loopID, or nil and false if unknown.
func (m *Manager) Get(loopID string) (*loopstate.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.loops[loopID]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// List returns every known loop ID.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) lookup(loopID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.loops[loopID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("loopmanager: unknown loop %q", loopID)
	}
	return e, nil
}

// StartLoop begins (or resumes) loopID's iteration loop in the background.
// It returns once the engine has accepted the start request; the loop
// itself keeps running after this call returns. Use WaitForLoop or a
// loop.completed/stopped/failed/max_iterations event to observe the end.
func (m *Manager) StartLoop(ctx context.Context, loopID string) error {
	e, err := m.lookup(loopID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.done != nil {
		select {
		case <-e.done:
			// previous run finished; fall through and start a new one.
		default:
			e.mu.Unlock()
			return fmt.Errorf("loopmanager: loop %q is already running", loopID)
		}
	}
	done := make(chan struct{})
	e.done = done
	eng := e.engine
	e.mu.Unlock()

	go func() {
		defer close(done)
		runErr := eng.Start(ctx, loopengine.StartOptions{})
		e.mu.Lock()
		e.runErr = runErr
		e.mu.Unlock()
		if runErr != nil {
			m.logger.Error("loop run ended with error", "loopId", loopID, "error", runErr)
		}
	}()
	return nil
}

// WaitForLoop blocks until loopID's most recent StartLoop call finishes (or
// ctx is canceled), returning the error Start returned, if any. Returns an
// error immediately if the loop was never started.
func (m *Manager) WaitForLoop(ctx context.Context, loopID string) error {
	e, err := m.lookup(loopID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return fmt.Errorf("loopmanager: loop %q was never started", loopID)
	}
	select {
	case <-done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopLoop stops a running loop gracefully.
func (m *Manager) StopLoop(loopID, reason string) error {
	e, err := m.lookup(loopID)
	if err != nil {
		return err
	}
	return e.engine.Stop(reason)
}

// InjectPrompt routes a mid-iteration prompt/model injection to loopID's
// engine.
func (m *Manager) InjectPrompt(ctx context.Context, loopID string, req loopengine.InjectionRequest) error {
	e, err := m.lookup(loopID)
	if err != nil {
		return err
	}
	return e.engine.InjectPendingNow(ctx, req)
}

// InjectPlanFeedback routes a plan-mode feedback round to loopID's engine.
func (m *Manager) InjectPlanFeedback(ctx context.Context, loopID, feedback string) error {
	e, err := m.lookup(loopID)
	if err != nil {
		return err
	}
	return e.engine.InjectPlanFeedback(ctx, feedback)
}

// AcceptPlan sets up the git branch for plan acceptance and resumes
// execution in the foreground; callers that want this backgrounded should
// call it from their own goroutine (mirroring StartLoop's pattern).
func (m *Manager) AcceptPlan(ctx context.Context, loopID string) error {
	e, err := m.lookup(loopID)
	if err != nil {
		return err
	}
	if err := e.engine.SetupGitBranchForPlanAcceptance(ctx); err != nil {
		return err
	}
	return e.engine.ContinueExecution(ctx)
}

// PushLoop runs the base-branch-sync-before-push flow for loopID, pushing
// via the manager's git service once the worktree is clean relative to the
// base branch.
func (m *Manager) PushLoop(ctx context.Context, loopID string) error {
	e, err := m.lookup(loopID)
	if err != nil {
		return err
	}
	return e.engine.SyncBaseBranch(ctx, func(worktree, branch string) error {
		_, err := m.git.PushBranch(worktree, branch, "origin")
		return err
	})
}

// DeleteLoop stops loopID if running, transitions it to deleted, and purges
// its persisted state and config.
func (m *Manager) DeleteLoop(loopID string) error {
	e, err := m.lookup(loopID)
	if err != nil {
		return err
	}

	if e.state.Status != statemachine.StatusDeleted {
		_ = e.engine.Stop("loop deleted")
		if statemachine.AssertValidTransition(e.state.Status, statemachine.StatusDeleted) == nil {
			e.state.Status = statemachine.StatusDeleted
		}
	}

	if err := m.store.Delete(loopID); err != nil {
		m.logger.Error("delete persisted state failed", "loopId", loopID, "error", err)
	}
	if err := m.configStore.delete(loopID); err != nil {
		m.logger.Error("delete persisted config failed", "loopId", loopID, "error", err)
	}

	m.mu.Lock()
	delete(m.loops, loopID)
	m.mu.Unlock()
	return nil
}

// StopAll stops every currently running loop, used on graceful shutdown.
func (m *Manager) StopAll(reason string) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.loops))
	for _, e := range m.loops {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if e.state.Status == "" || !statemachine.IsActiveStatus(e.state.Status) {
			continue
		}
		if err := e.engine.Stop(reason); err != nil {
			m.logger.Warn("stop during shutdown failed", "error", err)
		}
	}
}
