package loopengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/loopconfig"
	"github.com/ralphloop/ralph/internal/loopstate"
	"github.com/ralphloop/ralph/internal/statemachine"
)

// SyncStatus is the outcome reported on loop.sync.* events.
type SyncStatus string

const (
	SyncAlreadyUpToDate        SyncStatus = "already_up_to_date"
	SyncClean                  SyncStatus = "clean"
	SyncConflictsBeingResolved SyncStatus = "conflicts_being_resolved"
)

const conflictResolutionPrompt = "A merge of the base branch into this branch produced conflicts. " +
	"Resolve every conflict marker, verify the result is consistent with both sides' intent, and stage the resolution. " +
	"End your final response with exactly: " + completionMarker

// SyncBaseBranch runs the base-branch-sync-before-push flow (spec §4.7
// "Base-branch sync before push"). It is engine-backed but orchestrated by
// LoopManager, since a conflicted merge spawns a sub-engine sharing this
// engine's worktree. push performs the actual `git push` once the worktree
// is clean relative to the base branch; it is injected so callers can wire
// PushBranch or a test double.
func (e *Engine) SyncBaseBranch(ctx context.Context, push func(worktree, branch string) error) error {
	if e.state.Git == nil || e.state.Git.WorktreePath == "" {
		return fmt.Errorf("loopengine: SyncBaseBranch requires a worktree")
	}
	worktree := e.state.Git.WorktreePath
	base := e.config.Git.BaseBranch
	if base == "" {
		var err error
		base, err = e.git.GetDefaultBranch(e.config.Directory)
		if err != nil {
			return fmt.Errorf("loopengine: resolve base branch: %w", err)
		}
	}

	e.emit(eventbus.EventSyncStarted, map[string]any{"baseBranch": base})

	if err := e.git.Fetch(worktree, "origin", base); err != nil {
		e.logger.Warn("fetch base branch failed", "error", err)
	}
	remoteRef := "origin/" + base

	if e.git.IsAncestor(worktree, remoteRef, "HEAD") {
		e.emit(eventbus.EventSyncClean, map[string]any{"status": SyncAlreadyUpToDate})
		return e.pushAndFinish(worktree, push)
	}

	result, err := e.git.MergeWithConflictDetection(worktree, remoteRef, e.config.Git.CommitPrefix+" Merge "+base)
	if err != nil {
		return fmt.Errorf("loopengine: merge base branch: %w", err)
	}

	if result.Success {
		status := SyncClean
		if result.AlreadyUpToDate {
			status = SyncAlreadyUpToDate
		}
		e.emit(eventbus.EventSyncClean, map[string]any{"status": status})
		return e.pushAndFinish(worktree, push)
	}

	return e.resolveMergeConflicts(ctx, worktree, result.ConflictedFiles, push)
}

func (e *Engine) pushAndFinish(worktree string, push func(worktree, branch string) error) error {
	if push == nil {
		return nil
	}
	if err := push(worktree, e.state.Git.WorkingBranch); err != nil {
		return fmt.Errorf("loopengine: push: %w", err)
	}
	e.emit(eventbus.EventPushed, map[string]any{"branch": e.state.Git.WorkingBranch})
	if err := e.transition(statemachine.StatusPushed); err != nil {
		e.logger.Error("transition to pushed failed", "error", err)
	}
	e.persist()
	return nil
}

// resolveMergeConflicts spawns a sub-engine in the same worktree to resolve
// conflicts left by a failed merge. On sub-engine success it auto-pushes;
// on failure it leaves status failed and clears autoPushOnComplete.
func (e *Engine) resolveMergeConflicts(ctx context.Context, worktree string, conflicted []string, push func(worktree, branch string) error) error {
	e.emit(eventbus.EventSyncConflicts, map[string]any{"status": SyncConflictsBeingResolved, "files": conflicted})
	if err := e.transition(statemachine.StatusResolvingConflicts); err != nil {
		return err
	}
	if e.state.SyncState == nil {
		e.state.SyncState = &loopstate.SyncState{}
	}
	e.state.SyncState.AutoPushOnComplete = true
	e.persist()

	subConfig := e.config
	subConfig.Prompt = conflictResolutionPrompt
	subConfig.PlanMode = false
	subConfig.Mode = loopconfig.ModeLoop

	subState := loopstate.New()
	subState.Status = statemachine.StatusResolvingConflicts
	subState.Git = &loopstate.GitState{
		OriginalBranch: e.state.Git.OriginalBranch,
		WorkingBranch:  e.state.Git.WorkingBranch,
		WorktreePath:   worktree,
	}
	subState.Session = e.state.Session

	subEngine := New(e.loopID+"-conflict-resolution", subConfig, subState, e.bus, e.git, e.backend, e.subLogger(), nil)
	if err := subEngine.Start(ctx, StartOptions{SkipGitSetup: true}); err != nil {
		return fmt.Errorf("loopengine: conflict-resolution sub-engine: %w", err)
	}

	switch subState.Status {
	case statemachine.StatusCompleted, statemachine.StatusMaxIterations:
		if err := e.pushAndFinish(worktree, push); err != nil {
			return err
		}
	case statemachine.StatusFailed:
		e.state.SyncState.AutoPushOnComplete = false
		if err := e.transition(statemachine.StatusFailed); err != nil {
			e.logger.Error("transition to failed failed", "error", err)
		}
		e.persist()
	}
	return nil
}

func (e *Engine) subLogger() *slog.Logger {
	return e.logger.With("subEngine", "conflict-resolution")
}
