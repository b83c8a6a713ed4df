package loopengine

import (
	"context"
	"fmt"
	"time"

	"github.com/ralphloop/ralph/internal/agentbackend"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/loopconfig"
	"github.com/ralphloop/ralph/internal/loopstate"
	"github.com/ralphloop/ralph/internal/procutil"
	"github.com/ralphloop/ralph/internal/statemachine"
)

// Stop aborts the running session, cuts off further persistence from this
// engine, and transitions to stopped. Once stopped, no stale write from an
// in-flight iteration can clobber a loop the caller considers gone.
func (e *Engine) Stop(reason string) error {
	e.mu.Lock()
	e.state.Aborted = true
	sessionID := ""
	if e.state.Session != nil {
		sessionID = e.state.Session.ID
	}
	e.mu.Unlock()

	if sessionID != "" {
		_ = e.backend.AbortSession(context.Background(), sessionID)
	}

	e.mu.Lock()
	e.onPersistState = nil
	e.mu.Unlock()

	if err := e.transition(statemachine.StatusStopped); err != nil {
		return err
	}
	e.emit(eventbus.EventLoopStopped, map[string]any{"reason": reason})
	return nil
}

// AbortSessionOnly aborts the backend session without changing status, used
// by a force-reset that wants a clean slate without abandoning the loop.
func (e *Engine) AbortSessionOnly(reason string) error {
	e.mu.Lock()
	e.state.Aborted = true
	sessionID := ""
	if e.state.Session != nil {
		sessionID = e.state.Session.ID
	}
	e.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	if err := e.backend.AbortSession(context.Background(), sessionID); err != nil {
		return err
	}
	e.emit(eventbus.EventSessionAborted, map[string]any{"reason": reason})
	return nil
}

// SetupGitBranchForPlanAcceptance prepares the worktree when the user
// accepts a plan, without entering the iteration loop.
func (e *Engine) SetupGitBranchForPlanAcceptance(ctx context.Context) error {
	return e.setupGitBranch(ctx)
}

// ContinueExecution resumes after plan acceptance. It is idempotent against
// duplicate calls: a loop already running is left alone.
func (e *Engine) ContinueExecution(ctx context.Context) error {
	e.mu.Lock()
	running := e.isLoopRunning
	e.mu.Unlock()
	if running {
		return nil
	}
	if e.state.Status != statemachine.StatusRunning {
		if err := e.transition(statemachine.StatusRunning); err != nil {
			return err
		}
	}
	return e.runLoop(ctx)
}

// setPendingPrompt records a message to be picked up by the next prompt
// build. Cheap: state mutation only.
func (e *Engine) setPendingPrompt(message string) {
	e.state.PendingPrompt = message
}

// setPendingModel records a model override to be picked up by the next
// prompt build. Cheap: state mutation only.
func (e *Engine) setPendingModel(model loopconfig.ModelConfig) {
	e.state.PendingModel = &model
}

// InjectionRequest carries an optional message and/or model override into
// injectPendingNow.
type InjectionRequest struct {
	Message string
	Model   *loopconfig.ModelConfig
}

// injectPendingNow sets the pending values and, if the engine is currently
// consuming events, aborts the session so the pump breaks and runLoop
// restarts the iteration with the new values picked up. If the engine is
// idle the values simply wait for the next natural iteration.
func (e *Engine) injectPendingNow(ctx context.Context, req InjectionRequest) error {
	if req.Message != "" {
		e.setPendingPrompt(req.Message)
	}
	if req.Model != nil {
		e.setPendingModel(*req.Model)
	}

	e.mu.Lock()
	running := e.isLoopRunning
	sessionID := ""
	if e.state.Session != nil {
		sessionID = e.state.Session.ID
	}
	e.mu.Unlock()

	if !running {
		return nil
	}

	e.state.InjectionPending = true
	e.state.Aborted = true
	if sessionID == "" {
		return nil
	}
	return e.backend.AbortSession(ctx, sessionID)
}

// InjectPendingNow applies a pending prompt and/or model override to the
// running loop, aborting the current session so the next iteration picks
// them up immediately instead of waiting for the current one to finish
// naturally. Valid in any status; if the loop is idle the values simply
// wait for the next iteration.
func (e *Engine) InjectPendingNow(ctx context.Context, req InjectionRequest) error {
	return e.injectPendingNow(ctx, req)
}

// InjectPlanFeedback applies injectPendingNow's mechanics but is only valid
// while a loop is in planning status.
func (e *Engine) InjectPlanFeedback(ctx context.Context, feedback string) error {
	if e.state.Status != statemachine.StatusPlanning {
		return fmt.Errorf("loopengine: InjectPlanFeedback requires planning status, got %q", e.state.Status)
	}
	if e.state.PlanMode == nil {
		e.state.PlanMode = &loopstate.PlanModeState{}
	}
	e.state.PlanMode.FeedbackRounds++
	return e.injectPendingNow(ctx, InjectionRequest{Message: feedback})
}

// pidProvider is implemented by agent backends that run as a local child
// process and can report its PID, so ReconnectSession can check liveness
// before trusting a previously-persisted session.
type pidProvider interface {
	PID() int
}

// ReconnectSession reconnects to a previously-persisted session after a
// server restart, reusing its id when the backend (and, if known, its
// underlying process) is still alive; otherwise it starts a fresh session.
func (e *Engine) ReconnectSession(ctx context.Context) error {
	if !e.backend.IsConnected() {
		if err := e.backend.Connect(ctx, agentbackend.ConnectConfig{}); err != nil {
			return fmt.Errorf("loopengine: reconnect: %w", err)
		}
	}

	if e.state.Session != nil && e.state.Session.ID != "" {
		if pp, ok := e.backend.(pidProvider); ok {
			if pid := pp.PID(); pid > 0 && !procutil.PIDAlive(pid) {
				e.state.Session = nil
			}
		}
	}
	if e.state.Session != nil && e.state.Session.ID != "" {
		return nil
	}

	sess, err := e.backend.CreateSession(ctx, agentbackend.SessionParams{
		Title:     "Ralph Loop: " + e.config.Name,
		Directory: e.workingDirectory(),
	})
	if err != nil {
		return fmt.Errorf("loopengine: reconnect create session: %w", err)
	}
	e.state.Session = &loopstate.SessionState{ID: sess.ID}
	return nil
}

// WaitForLoopIdle polls isLoopRunning until it goes false or timeout elapses.
func (e *Engine) WaitForLoopIdle(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		running := e.isLoopRunning
		e.mu.Unlock()
		if !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
