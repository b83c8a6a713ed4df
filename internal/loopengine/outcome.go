package loopengine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/loopstate"
	"github.com/ralphloop/ralph/internal/statemachine"
)

// handleOutcome applies the side effects of one iteration's outcome (spec
// §4.7 "Outcome handling"): transitioning status, updating consecutive-error
// tracking, and emitting the matching bus event. It never blocks and never
// itself advances CurrentIteration — runIteration already did that.
func (e *Engine) handleOutcome(outcome loopstate.IterationOutcome, iterErr error) {
	switch outcome {
	case loopstate.OutcomeComplete:
		e.state.ConsecutiveErrors = nil
		now := time.Now().UTC()
		e.state.CompletedAt = &now
		if err := e.transition(statemachine.StatusCompleted); err != nil {
			e.logger.Error("transition to completed failed", "error", err)
		}
		e.persist()
		e.emit(eventbus.EventLoopCompleted, nil)

	case loopstate.OutcomePlanReady:
		e.state.ConsecutiveErrors = nil
		e.readPlanContent()
		e.persist()
		e.emit(eventbus.EventPlanReady, map[string]any{"content": planModeContent(e.state)})

	case loopstate.OutcomeError:
		e.handleIterationError(iterErr)

	case loopstate.OutcomeContinue:
		e.state.ConsecutiveErrors = nil
	}
}

// beginReviewCycleIfPending consumes one pending review cycle instead of
// letting the loop complete outright (the review feature supplements a
// plain completion signal with a pass where the agent re-examines its own
// diff before the loop is considered done). It decrements
// state.ReviewMode.ReviewCycles and arms reviewPending so the next
// buildPrompt call renders the review prompt variant. It returns false
// once ReviewCycles has been exhausted, letting handleOutcome complete the
// loop normally.
func (e *Engine) beginReviewCycleIfPending() bool {
	if e.state.ReviewMode == nil || e.state.ReviewMode.ReviewCycles <= 0 {
		return false
	}
	e.state.ReviewMode.ReviewCycles--
	e.reviewPending = true
	e.persist()
	e.emit(eventbus.EventReviewCycle, map[string]any{"remaining": e.state.ReviewMode.ReviewCycles})
	return true
}

func planModeContent(s *loopstate.State) string {
	if s.PlanMode == nil {
		return ""
	}
	return s.PlanMode.PlanContent
}

// readPlanContent loads .planning/plan.md from the worktree into
// state.PlanMode.PlanContent, if present.
func (e *Engine) readPlanContent() {
	if e.state.Git == nil || e.state.Git.WorktreePath == "" {
		return
	}
	if e.state.PlanMode == nil {
		e.state.PlanMode = &loopstate.PlanModeState{}
	}
	e.state.PlanMode.IsPlanReady = true
	path := filepath.Join(e.state.Git.WorktreePath, ".planning", "plan.md")
	b, err := os.ReadFile(path)
	if err != nil {
		e.logger.Warn("read plan.md failed", "error", err)
		return
	}
	e.state.PlanMode.PlanContent = string(b)
}

// handleIterationError applies the consecutive-error failsafe (spec §8 B2,
// B3): CurrentIteration is rolled back since a failed iteration did not
// make forward progress. A message identical to the previous one increments
// ConsecutiveErrors.Count and a different message resets it to 1; once the
// count reaches MaxConsecutiveErrorsOr() (when that limit is above 0) the
// loop transitions to failed.
func (e *Engine) handleIterationError(iterErr error) {
	message := ""
	if iterErr != nil {
		message = iterErr.Error()
	}

	if e.state.CurrentIteration > 0 {
		e.state.CurrentIteration--
	}

	if e.state.ConsecutiveErrors == nil {
		e.state.ConsecutiveErrors = &loopstate.ConsecutiveErrorState{}
	}
	if e.state.ConsecutiveErrors.LastErrorMessage == message {
		e.state.ConsecutiveErrors.Count++
	} else {
		e.state.ConsecutiveErrors.Count = 1
		e.state.ConsecutiveErrors.LastErrorMessage = message
	}

	e.state.Error = &loopstate.ErrorState{
		Message:   message,
		Iteration: e.state.CurrentIteration + 1,
		Timestamp: time.Now().UTC(),
	}

	limit := e.config.MaxConsecutiveErrorsOr()

	if limit > 0 && e.state.ConsecutiveErrors.Count >= limit {
		if err := e.transition(statemachine.StatusFailed); err != nil {
			e.logger.Error("transition to failed failed", "error", err)
		}
		e.persist()
		e.emit(eventbus.EventLoopError, map[string]any{"message": message, "failsafe": true})
		return
	}

	e.persist()
	e.emit(eventbus.EventLoopError, map[string]any{"message": message, "failsafe": false})
}
