package loopengine

import (
	"fmt"
	"strings"
)

const completionMarker = "<promise>COMPLETE</promise>"
const planReadyCompletionMarker = "<promise>PLAN_READY</promise>"

// buildPrompt renders one of the prompt templates depending on config.mode,
// planning state, and a pending review cycle, consuming (and clearing) any
// pending injected prompt, model, or review-cycle flag as a side effect.
func (e *Engine) buildPrompt(iteration int) string {
	pendingPrompt := e.state.ClearPendingPrompt()
	if pendingModel := e.state.ClearPendingModel(); pendingModel != nil {
		e.config.Model = *pendingModel
	}
	reviewing := e.reviewPending
	e.reviewPending = false

	switch {
	case reviewing:
		return e.buildReviewPrompt(pendingPrompt)
	case e.config.Mode == "chat":
		return e.buildChatPrompt(pendingPrompt)
	case e.config.PlanMode:
		return e.buildPlanPrompt(pendingPrompt)
	default:
		return e.buildExecutionPrompt(pendingPrompt)
	}
}

// buildReviewPrompt asks the agent to re-examine its own prior diff before
// the loop is considered done. The cycle it renders was already taken from
// ReviewMode.ReviewCycles by beginReviewCycleIfPending.
func (e *Engine) buildReviewPrompt(pendingPrompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Original Goal: %s\n", e.config.Prompt)
	b.WriteString("\nYou previously reported this goal complete. Before it is accepted, review your own diff:\n")
	b.WriteString("check for mistakes, missed edge cases, or incomplete work against the original goal.\n")
	if pendingPrompt != "" {
		fmt.Fprintf(&b, "\n**User Message**\n%s\n", pendingPrompt)
	}
	if remaining := e.state.ReviewMode; remaining != nil && remaining.ReviewCycles > 0 {
		fmt.Fprintf(&b, "\n%d review cycle(s) remain after this one.\n", remaining.ReviewCycles)
	}
	fmt.Fprintf(&b, "\nMake any fixes needed, then end your final response with exactly: %s\n", completionMarker)
	return b.String()
}

func (e *Engine) buildChatPrompt(pendingPrompt string) string {
	message := pendingPrompt
	if message == "" {
		message = e.config.Prompt
	}
	return fmt.Sprintf("You are working in directory: %s\n\n%s", e.workingDirectory(), message)
}

func (e *Engine) buildExecutionPrompt(pendingPrompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Original Goal: %s\n", e.config.Prompt)

	if pendingPrompt != "" {
		fmt.Fprintf(&b, "\n**User Message**\n%s\n", pendingPrompt)
	}
	if errBlock := e.previousErrorBlock(); errBlock != "" {
		b.WriteString(errBlock)
	}

	b.WriteString("\nCheck the ./.planning folder for any existing plan, status, or progress notes before proceeding.\n")
	fmt.Fprintf(&b, "\nWhen the original goal is fully satisfied, end your final response with exactly: %s\n", completionMarker)
	return b.String()
}

func (e *Engine) buildPlanPrompt(pendingPrompt string) string {
	var b strings.Builder
	feedbackRounds := 0
	if e.state.PlanMode != nil {
		feedbackRounds = e.state.PlanMode.FeedbackRounds
	}

	if feedbackRounds == 0 {
		fmt.Fprintf(&b, "- Original Goal: %s\n\n", e.config.Prompt)
		b.WriteString("Write a plan for accomplishing this goal to ./.planning/plan.md, and a brief ./.planning/status.md describing your current understanding.\n")
	} else {
		b.WriteString("The user has reviewed your plan and responded with feedback.\n")
		if pendingPrompt != "" {
			fmt.Fprintf(&b, "\n**User Feedback**\n%s\n", pendingPrompt)
		}
		if errBlock := e.previousErrorBlock(); errBlock != "" {
			b.WriteString(errBlock)
		}
		b.WriteString("\nRevise ./.planning/plan.md (and ./.planning/status.md if relevant) to address the feedback.\n")
	}

	fmt.Fprintf(&b, "\nWhen the plan is ready for review, end your final response with exactly: %s\n", planReadyCompletionMarker)
	return b.String()
}

// previousErrorBlock renders the "Previous Iteration Error" block when the
// consecutive-error tracker has a message to report.
func (e *Engine) previousErrorBlock() string {
	if e.state.ConsecutiveErrors == nil || e.state.ConsecutiveErrors.LastErrorMessage == "" {
		return ""
	}
	return fmt.Sprintf("\n**Previous Iteration Error**\n%s\n", e.state.ConsecutiveErrors.LastErrorMessage)
}

func (e *Engine) workingDirectory() string {
	if e.state.Git != nil && e.state.Git.WorktreePath != "" {
		return e.state.Git.WorktreePath
	}
	return e.config.Directory
}
