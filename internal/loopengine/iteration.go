package loopengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ralphloop/ralph/internal/agentbackend"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/gitservice"
	"github.com/ralphloop/ralph/internal/loopstate"
	"github.com/ralphloop/ralph/internal/statemachine"
)

// runLoop is the re-entrancy-guarded iteration loop (spec §4.7 "Iteration
// loop"). It runs runIteration repeatedly while the loop remains active,
// dispatching on each outcome, until aborted, completed, or a limit is hit.
func (e *Engine) runLoop(ctx context.Context) error {
	e.mu.Lock()
	if e.isLoopRunning {
		e.mu.Unlock()
		e.logger.Warn("runLoop called while already running; ignoring")
		return nil
	}
	e.isLoopRunning = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.isLoopRunning = false
		e.mu.Unlock()
	}()

	for !e.state.Aborted && statemachine.IsActiveStatus(e.state.Status) {
		outcome, iterErr := e.runIteration(ctx)

		if outcome == loopstate.OutcomeComplete && e.beginReviewCycleIfPending() {
			continue
		}

		e.handleOutcome(outcome, iterErr)

		if outcome == loopstate.OutcomeComplete || outcome == loopstate.OutcomePlanReady {
			return nil
		}
		if e.state.Status == statemachine.StatusFailed {
			return nil
		}

		if max := e.config.MaxIterationsOr(); max > 0 && e.state.CurrentIteration >= max {
			if err := e.transition(statemachine.StatusMaxIterations); err != nil {
				e.logger.Error("transition to max_iterations failed", "error", err)
			}
			e.persist()
			e.emit(eventbus.EventLoopStopped, map[string]any{"reason": fmt.Sprintf("Reached maximum iterations: %d", max)})
			return nil
		}

		if e.state.Aborted {
			if e.state.InjectionPending {
				e.state.Aborted = false
				e.state.InjectionPending = false
				continue
			}
			return nil
		}
	}
	return nil
}

// iterationContext carries the per-iteration scratch state described by
// spec §4.7 "runIteration".
type iterationContext struct {
	responseBuf  strings.Builder
	reasoningBuf strings.Builder
	messageCount int
	toolCalls    int
	outcome      loopstate.IterationOutcome
	errMessage   string

	currentMessageLogID   string
	currentReasoningLogID string

	tools map[string]*toolCallTracker
}

type toolCallTracker struct {
	ID    string
	Name  string
	Input any
}

// runIteration runs exactly one iteration: prompt build, subscribe-then-send,
// the event pump, stop-pattern evaluation, the commit step, and summary
// persistence. It returns the iteration's outcome.
func (e *Engine) runIteration(ctx context.Context) (loopstate.IterationOutcome, error) {
	iteration := e.state.CurrentIteration + 1
	e.state.CurrentIteration = iteration
	switch e.state.Status {
	case statemachine.StatusPlanning, statemachine.StatusRunning, statemachine.StatusResolvingConflicts:
		// already in an iterating status; no transition needed.
	default:
		if err := e.transition(statemachine.StatusRunning); err != nil {
			return loopstate.OutcomeError, err
		}
	}
	e.emit(eventbus.EventIterationStart, map[string]any{"iteration": iteration})

	startedAt := time.Now().UTC()
	ic := &iterationContext{outcome: loopstate.OutcomeContinue, tools: map[string]*toolCallTracker{}}

	prompt := e.buildPrompt(iteration)

	sessionID := e.state.Session.ID
	stream, err := e.backend.SubscribeToEvents(ctx, sessionID)
	if err != nil {
		return e.finishErroredIteration(iteration, startedAt, ic, fmt.Errorf("subscribe: %w", err))
	}
	e.mu.Lock()
	e.currentStream = stream
	e.mu.Unlock()
	defer func() {
		stream.Close()
		e.mu.Lock()
		e.currentStream = nil
		e.mu.Unlock()
	}()

	if err := e.backend.SendPromptAsync(ctx, sessionID, prompt); err != nil {
		return e.finishErroredIteration(iteration, startedAt, ic, fmt.Errorf("send prompt: %w", err))
	}

	e.pumpEvents(ctx, stream, sessionID, ic)

	if ic.outcome == loopstate.OutcomeError {
		return e.finishErroredIteration(iteration, startedAt, ic, errors.New(ic.errMessage))
	}

	e.evaluateStopPattern(ic)
	if e.config.Mode == "chat" {
		ic.outcome = loopstate.OutcomeComplete
	}

	e.runCommitStep(iteration)

	e.state.AppendRecentIteration(loopstate.IterationSummary{
		Iteration:     iteration,
		StartedAt:     startedAt,
		CompletedAt:   time.Now().UTC(),
		MessageCount:  ic.messageCount,
		ToolCallCount: ic.toolCalls,
		Outcome:       ic.outcome,
	})
	e.emit(eventbus.EventIterationEnd, map[string]any{"iteration": iteration, "outcome": ic.outcome})
	e.persist()

	return ic.outcome, nil
}

func (e *Engine) finishErroredIteration(iteration int, startedAt time.Time, ic *iterationContext, err error) (loopstate.IterationOutcome, error) {
	e.state.AppendRecentIteration(loopstate.IterationSummary{
		Iteration:     iteration,
		StartedAt:     startedAt,
		CompletedAt:   time.Now().UTC(),
		MessageCount:  ic.messageCount,
		ToolCallCount: ic.toolCalls,
		Outcome:       loopstate.OutcomeError,
	})
	e.emit(eventbus.EventIterationEnd, map[string]any{"iteration": iteration, "outcome": loopstate.OutcomeError})
	e.persist()
	return loopstate.OutcomeError, err
}

// pumpEvents repeatedly pulls from stream, enforcing the activity timeout on
// every Next call, until message.complete, error, or abort.
func (e *Engine) pumpEvents(ctx context.Context, stream agentbackend.EventStream, sessionID string, ic *iterationContext) {
	timeout := time.Duration(e.config.ActivityTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	for {
		if e.state.Aborted {
			return
		}
		evCtx, cancel := context.WithTimeout(ctx, timeout)
		ev, ok := stream.Next(evCtx)
		cancel()
		if !ok {
			if evCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				seconds := int(timeout.Round(time.Second) / time.Second)
				ic.outcome = loopstate.OutcomeError
				ic.errMessage = fmt.Sprintf("No activity for %d seconds", seconds)
				return
			}
			return
		}
		if e.dispatchEvent(ev, ic) {
			return
		}
	}
}

// dispatchEvent applies one AgentEvent to the iteration context and engine
// state. It returns true when the pump should stop (message.complete,
// error, or abort).
func (e *Engine) dispatchEvent(ev agentbackend.AgentEvent, ic *iterationContext) bool {
	switch ev.Kind {
	case agentbackend.EventMessageStart:
		ic.currentMessageLogID = newEventID("msg")
		ic.currentReasoningLogID = ""
		ic.messageCount++
		e.state.AppendLog(loopstate.LogEntry{ID: ic.currentMessageLogID, Level: "agent", Text: "", Timestamp: time.Now().UTC()})

	case agentbackend.EventMessageDelta:
		ic.responseBuf.WriteString(ev.Content)
		if ic.currentMessageLogID == "" {
			ic.currentMessageLogID = newEventID("msg")
		}
		e.updateLogEntry(ic.currentMessageLogID, ic.responseBuf.String())
		e.emit(eventbus.EventProgress, map[string]any{"delta": ev.Content})

	case agentbackend.EventReasoningDelta:
		ic.reasoningBuf.WriteString(ev.Content)
		if ic.currentReasoningLogID == "" {
			ic.currentReasoningLogID = newEventID("reasoning")
		}
		e.updateLogEntry(ic.currentReasoningLogID, ic.reasoningBuf.String())

	case agentbackend.EventMessageComplete:
		ic.currentMessageLogID = ""
		ic.currentReasoningLogID = ""
		content := ev.Content
		if content == "" {
			content = ic.responseBuf.String()
		}
		e.state.AppendMessage(loopstate.MessageEntry{ID: newEventID("message"), Role: "assistant", Content: content, Timestamp: time.Now().UTC()})
		e.emit(eventbus.EventMessage, map[string]any{"role": "assistant", "content": content})
		return true

	case agentbackend.EventToolStart:
		ic.currentMessageLogID = ""
		ic.currentReasoningLogID = ""
		ic.toolCalls++
		id := fmt.Sprintf("tool-%d-%s-%d", e.state.CurrentIteration, ev.ToolName, ic.toolCalls)
		ic.tools[ev.ToolName] = &toolCallTracker{ID: id, Name: ev.ToolName, Input: ev.Input}
		e.state.AppendToolCall(loopstate.ToolCallEntry{ID: id, Name: ev.ToolName, Input: ev.Input, Status: "running", Timestamp: time.Now().UTC()})
		e.emit(eventbus.EventToolCall, map[string]any{"id": id, "name": ev.ToolName, "status": "running"})
		e.persist()

	case agentbackend.EventToolComplete:
		tracker, ok := ic.tools[ev.ToolName]
		id := ""
		if ok {
			id = tracker.ID
		} else {
			id = newEventID("tool")
		}
		e.state.AppendToolCall(loopstate.ToolCallEntry{ID: id, Name: ev.ToolName, Output: ev.Output, Status: "completed", Timestamp: time.Now().UTC()})
		e.emit(eventbus.EventToolCall, map[string]any{"id": id, "name": ev.ToolName, "status": "completed"})
		e.persist()

	case agentbackend.EventError:
		ic.outcome = loopstate.OutcomeError
		ic.errMessage = ev.ErrorMessage
		return true

	case agentbackend.EventPermissionAsked:
		if err := e.backend.ReplyToPermission(context.Background(), ev.RequestID, agentbackend.PermissionAlways); err != nil {
			e.logger.Warn("reply to permission failed", "error", err)
		}

	case agentbackend.EventQuestionAsked:
		answers := map[string]string{}
		for _, q := range ev.Questions {
			answers[q.ID] = "take the best course of action you recommend"
		}
		if err := e.backend.ReplyToQuestion(context.Background(), ev.RequestID, answers); err != nil {
			e.logger.Warn("reply to question failed", "error", err)
		}

	case agentbackend.EventTodoUpdated:
		e.state.Todos = nil
		for _, t := range ev.Todos {
			e.state.Todos = append(e.state.Todos, loopstate.TodoItem{Text: t.Text, Done: t.Done})
		}
		e.emit(eventbus.EventTodoUpdated, map[string]any{"todos": e.state.Todos})
		e.persist()

	case agentbackend.EventSessionStatus:
		e.logger.Info("session status", "status", ev.Status)
	}
	if e.state.Aborted {
		return true
	}
	return false
}

// updateLogEntry mutates the most recently appended log entry matching id in
// place, so streaming deltas combine into one growing entry (spec P7)
// instead of one entry per delta.
func (e *Engine) updateLogEntry(id, text string) {
	for i := len(e.state.Logs) - 1; i >= 0; i-- {
		if e.state.Logs[i].ID == id {
			e.state.Logs[i].Text = text
			e.state.Logs[i].Timestamp = time.Now().UTC()
			return
		}
	}
	e.state.AppendLog(loopstate.LogEntry{ID: id, Level: "agent", Text: text, Timestamp: time.Now().UTC()})
}

const planReadyMarker = "<promise>PLAN_READY</promise>"

func (e *Engine) evaluateStopPattern(ic *iterationContext) {
	response := ic.responseBuf.String()
	switch {
	case e.config.PlanMode:
		if strings.Contains(response, planReadyMarker) {
			ic.outcome = loopstate.OutcomePlanReady
			if e.state.PlanMode == nil {
				e.state.PlanMode = &loopstate.PlanModeState{}
			}
			e.state.PlanMode.IsPlanReady = true
			return
		}
		ic.outcome = loopstate.OutcomeContinue
	case e.stop.Matches(response):
		ic.outcome = loopstate.OutcomeComplete
	default:
		ic.outcome = loopstate.OutcomeContinue
	}
}

// runCommitStep commits any uncommitted changes in the worktree after an
// iteration. Commit failures are logged but never fail the iteration.
func (e *Engine) runCommitStep(iteration int) {
	if e.state.Git == nil || e.state.Git.WorktreePath == "" {
		return
	}
	worktree := e.state.Git.WorktreePath
	dirty, err := e.git.HasUncommittedChanges(worktree)
	if err != nil || !dirty {
		return
	}

	message := e.synthesizeCommitMessage(worktree, iteration)
	result, err := e.git.Commit(worktree, message, gitservice.CommitOptions{ExpectedBranch: e.state.Git.WorkingBranch})
	if err != nil {
		if errors.Is(err, gitservice.NoChangesToCommit) {
			return
		}
		e.logger.Warn("iteration commit failed", "error", err)
		return
	}

	commit := loopstate.GitCommit{
		Iteration:    iteration,
		SHA:          result.SHA,
		Message:      result.Message,
		Timestamp:    time.Now().UTC(),
		FilesChanged: len(result.FilesChanged),
	}
	e.state.Git.Commits = append(e.state.Git.Commits, commit)
	e.emit(eventbus.EventGitCommit, commit)
}

const maxCommitSubjectLen = 72

// synthesizeCommitMessage asks the backend to summarize the changed files,
// falling back to a prefix + iteration + file list on any failure.
func (e *Engine) synthesizeCommitMessage(worktree string, iteration int) string {
	files, err := e.git.GetChangedFiles(worktree)
	if err != nil || len(files) == 0 {
		return fmt.Sprintf("%s Iteration %d", e.config.Git.CommitPrefix, iteration)
	}

	fallback := e.fallbackCommitMessage(iteration, files)

	summary, err := e.backend.SendPrompt(context.Background(), e.state.Session.ID,
		fmt.Sprintf("Summarize these changed files in one line under %d characters, no prefix: %s", maxCommitSubjectLen, strings.Join(files, ", ")))
	if err != nil || strings.TrimSpace(summary.Content) == "" {
		return fallback
	}

	subject := strings.SplitN(summary.Content, "\n", 2)[0]
	subject = strings.TrimSpace(subject)
	full := e.config.Git.CommitPrefix + " " + subject
	if len(full) > maxCommitSubjectLen || subject == "" {
		return fallback
	}
	return full
}

func (e *Engine) fallbackCommitMessage(iteration int, files []string) string {
	const maxNamed = 3
	shown := files
	more := 0
	if len(files) > maxNamed {
		shown = files[:maxNamed]
		more = len(files) - maxNamed
	}
	list := strings.Join(shown, ", ")
	if more > 0 {
		list += fmt.Sprintf(" (+%d more)", more)
	}
	return fmt.Sprintf("%s Iteration %d: %s", e.config.Git.CommitPrefix, iteration, list)
}
