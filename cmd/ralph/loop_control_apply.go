package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ralphloop/ralph/internal/loopengine"
	"github.com/ralphloop/ralph/internal/loopmanager"
)

// applyControlRequest routes a control request popped off disk to the
// matching Manager operation.
func applyControlRequest(m *loopmanager.Manager, loopID string, req controlRequest) {
	ctx := context.Background()
	var err error
	switch req.Action {
	case "stop":
		err = m.StopLoop(loopID, req.Reason)
	case "inject":
		err = m.InjectPrompt(ctx, loopID, loopengine.InjectionRequest{Message: req.Message})
	case "plan_feedback":
		err = m.InjectPlanFeedback(ctx, loopID, req.PlanFeedback)
	case "accept_plan":
		err = m.AcceptPlan(ctx, loopID)
	case "push":
		err = m.PushLoop(ctx, loopID)
	default:
		err = fmt.Errorf("unknown control action %q", req.Action)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "control request %q failed: %v\n", req.Action, err)
	}
}
