// Package loopengine drives one loop's iterations against an AI backend
// inside an isolated git worktree, publishing progress to an event bus and
// persisting its state after every iteration. It is the core of the system:
// it composes the event bus, git service, state machine, agent backend, and
// stop-pattern detector into the iteration-driving state described by
// loopstate.State.
package loopengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/ralphloop/ralph/internal/agentbackend"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/gitservice"
	"github.com/ralphloop/ralph/internal/loopconfig"
	"github.com/ralphloop/ralph/internal/loopstate"
	"github.com/ralphloop/ralph/internal/statemachine"
	"github.com/ralphloop/ralph/internal/stoppattern"
)

const worktreeParent = ".ralph-worktrees"

// PersistFunc saves a state snapshot. Engine holds no persistence reference
// of its own — LoopManager wires one in, and Stop nils it out so stale
// writes from an already-stopped engine cannot clobber a deleted loop.
type PersistFunc func(*loopstate.State) error

// Engine drives one loop. A zero Engine is not usable; construct with New.
type Engine struct {
	mu sync.Mutex

	loopID string
	config loopconfig.LoopConfig
	state  *loopstate.State

	bus     *eventbus.Bus
	git     *gitservice.Service
	backend agentbackend.Backend
	stop    *stoppattern.Detector
	logger  *slog.Logger

	onPersistState PersistFunc

	isLoopRunning bool
	currentStream agentbackend.EventStream

	// reviewPending arms the review-prompt variant for the next iteration.
	// Set by beginReviewCycleIfPending, consumed (and cleared) by buildPrompt.
	// Touched only from the single runLoop goroutine, so it needs no lock.
	reviewPending bool
}

// New constructs an Engine for loopID. state is taken by reference and
// mutated in place as the loop progresses.
func New(loopID string, config loopconfig.LoopConfig, state *loopstate.State, bus *eventbus.Bus, git *gitservice.Service, backend agentbackend.Backend, logger *slog.Logger, onPersistState PersistFunc) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		loopID:         loopID,
		config:         config,
		state:          state,
		bus:            bus,
		git:            git,
		backend:        backend,
		stop:           stoppattern.New(config.StopPattern, logger),
		logger:         logger.With("loopId", loopID),
		onPersistState: onPersistState,
	}
}

// State returns a pointer to the engine's live, mutable state. Callers that
// need a stable snapshot should persist or copy before releasing the lock
// that should surround concurrent mutation in LoopManager.
func (e *Engine) State() *loopstate.State { return e.state }

func (e *Engine) emit(kind eventbus.EventType, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(eventbus.LoopEvent{Type: kind, LoopID: e.loopID, Timestamp: time.Now().UTC(), Payload: payload})
}

func (e *Engine) persist() {
	if e.onPersistState == nil {
		return
	}
	if err := e.onPersistState(e.state); err != nil {
		e.logger.Error("persist failed", "error", err)
	}
}

func (e *Engine) transition(to statemachine.Status) error {
	if err := statemachine.AssertValidTransition(e.state.Status, to); err != nil {
		return err
	}
	e.state.Status = to
	return nil
}

// StartOptions configures Start.
type StartOptions struct {
	SkipGitSetup bool
}

var startableFrom = map[statemachine.Status]bool{
	statemachine.StatusIdle:               true,
	statemachine.StatusStopped:            true,
	statemachine.StatusPlanning:           true,
	statemachine.StatusResolvingConflicts: true,
}

// Start runs the six startup steps (spec §4.7 "Startup") and then enters
// the iteration loop. It returns once the loop has exited (completed,
// stopped, failed, max_iterations, or paused for plan feedback).
func (e *Engine) Start(ctx context.Context, opts StartOptions) error {
	if !startableFrom[e.state.Status] {
		return fmt.Errorf("loopengine: cannot start from status %q", e.state.Status)
	}

	// Step 1.
	e.state.Aborted = false
	e.state.CurrentIteration = 0
	e.state.RecentIterations = nil
	if e.state.StartedAt == nil {
		now := time.Now().UTC()
		e.state.StartedAt = &now
	}

	// Step 2.
	target := statemachine.StatusStarting
	if e.state.Status == statemachine.StatusPlanning || e.config.PlanMode {
		target = statemachine.StatusPlanning
	}
	if e.state.Status != target {
		if err := e.transition(target); err != nil {
			return err
		}
	}

	// Step 3: git setup.
	if !opts.SkipGitSetup && !e.config.PlanMode {
		if err := e.setupGitBranch(ctx); err != nil {
			return fmt.Errorf("loopengine: git setup: %w", err)
		}
	}

	// Step 4: optionally clear .planning/.
	if e.config.ClearPlanningFolder && e.state.Git != nil {
		cleared := e.state.PlanMode != nil && e.state.PlanMode.PlanningFolderCleared
		if !cleared {
			if err := e.clearPlanningFolder(e.state.Git.WorktreePath); err != nil {
				e.logger.Warn("clear planning folder failed", "error", err)
			}
		}
	}

	// Step 5: session setup.
	if !e.backend.IsConnected() {
		if err := e.backend.Connect(ctx, agentbackend.ConnectConfig{}); err != nil {
			return fmt.Errorf("loopengine: backend connect: %w", err)
		}
	}
	if e.state.Session == nil || e.state.Session.ID == "" {
		dir := e.config.Directory
		if e.state.Git != nil && e.state.Git.WorktreePath != "" {
			dir = e.state.Git.WorktreePath
		}
		sess, err := e.backend.CreateSession(ctx, agentbackend.SessionParams{
			Title:     "Ralph Loop: " + e.config.Name,
			Directory: dir,
		})
		if err != nil {
			return fmt.Errorf("loopengine: create session: %w", err)
		}
		e.state.Session = &loopstate.SessionState{ID: sess.ID}
	}

	// Step 6.
	if !e.config.PlanMode {
		e.emit(eventbus.EventLoopStarted, nil)
	}

	return e.runLoop(ctx)
}

// setupGitBranch resolves the working branch, pulls the base branch on the
// main checkout, and creates or reuses the loop's isolated worktree.
func (e *Engine) setupGitBranch(ctx context.Context) error {
	dir := e.config.Directory

	branchName := ""
	if e.state.Git != nil && e.state.Git.WorkingBranch != "" {
		branchName = e.state.Git.WorkingBranch
	} else {
		if e.state.StartedAt == nil {
			return fmt.Errorf("startedAt is required to generate a branch name")
		}
		branchName = generateBranchName(e.config.Git.BranchPrefix, e.config.Name, *e.state.StartedAt)
	}

	originalBranch := ""
	switch {
	case e.state.Git != nil && e.state.Git.OriginalBranch != "":
		originalBranch = e.state.Git.OriginalBranch
	case e.config.Git.BaseBranch != "":
		originalBranch = e.config.Git.BaseBranch
	default:
		cur, err := e.git.GetCurrentBranch(dir)
		if err != nil {
			return err
		}
		originalBranch = cur
	}

	e.git.Pull(dir, originalBranch, "origin")

	worktreePath := filepath.Join(dir, worktreeParent, e.loopID)
	switch {
	case e.git.WorktreeExists(dir, worktreePath):
		// reuse.
	case e.git.BranchExists(dir, branchName):
		if err := e.git.AddWorktreeForExistingBranch(dir, worktreePath, branchName); err != nil {
			return err
		}
	default:
		if err := e.git.CreateWorktree(dir, worktreePath, branchName, originalBranch); err != nil {
			return err
		}
	}
	if err := e.git.EnsureWorktreeExcluded(dir); err != nil {
		e.logger.Warn("ensure worktree excluded failed", "error", err)
	}

	e.state.Git = &loopstate.GitState{
		OriginalBranch: originalBranch,
		WorkingBranch:  branchName,
		WorktreePath:   worktreePath,
		Commits:        preserveCommits(e.state.Git),
	}
	return nil
}

func preserveCommits(g *loopstate.GitState) []loopstate.GitCommit {
	if g == nil {
		return nil
	}
	return g.Commits
}

// clearPlanningFolder removes every file under .planning/, at any
// depth, except files named .gitkeep (the usual way to keep an otherwise
// empty directory tracked by git), committing the deletion if anything was
// removed.
func (e *Engine) clearPlanningFolder(worktreePath string) error {
	planningDir := filepath.Join(worktreePath, ".planning")
	if _, err := os.Stat(planningDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(planningDir, "**"))
	if err != nil {
		return fmt.Errorf("loopengine: glob planning folder: %w", err)
	}
	removed := false
	for _, path := range matches {
		if filepath.Base(path) == ".gitkeep" {
			continue
		}
		info, err := os.Lstat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if info.IsDir() {
			continue
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed = true
	}
	if err := removeEmptyDirs(planningDir); err != nil {
		return err
	}

	if e.state.PlanMode == nil {
		e.state.PlanMode = &loopstate.PlanModeState{}
	}
	e.state.PlanMode.PlanningFolderCleared = true
	if !removed {
		return nil
	}
	if err := e.git.StageAll(worktreePath); err != nil {
		return err
	}
	_, err = e.git.Commit(worktreePath, e.config.Git.CommitPrefix+" Clear planning folder", gitservice.CommitOptions{
		ExpectedBranch: e.state.Git.WorkingBranch,
	})
	if err != nil && err != gitservice.NoChangesToCommit {
		return err
	}
	return nil
}

func newEventID(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

// removeEmptyDirs removes every directory under root (root itself excluded)
// left empty after clearPlanningFolder deletes its files, deepest first.
func removeEmptyDirs(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return nil
}
