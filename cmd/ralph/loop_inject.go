package main

import (
	"fmt"
	"os"
)

func loopInject(args []string) {
	os.Exit(runLoopInject(args))
}

func runLoopInject(args []string) int {
	var loopID, stateDir, message, planFeedback string
	var acceptPlan, push bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--id requires a value")
				return 1
			}
			loopID = args[i]
		case "--state-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--state-dir requires a value")
				return 1
			}
			stateDir = args[i]
		case "--message":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--message requires a value")
				return 1
			}
			message = args[i]
		case "--plan-feedback":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan-feedback requires a value")
				return 1
			}
			planFeedback = args[i]
		case "--accept-plan":
			acceptPlan = true
		case "--push":
			push = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if loopID == "" || stateDir == "" {
		fmt.Fprintln(os.Stderr, "--id and --state-dir are required")
		return 1
	}

	chosen := 0
	var req controlRequest
	if message != "" {
		chosen++
		req = controlRequest{Action: "inject", Message: message}
	}
	if planFeedback != "" {
		chosen++
		req = controlRequest{Action: "plan_feedback", PlanFeedback: planFeedback}
	}
	if acceptPlan {
		chosen++
		req = controlRequest{Action: "accept_plan"}
	}
	if push {
		chosen++
		req = controlRequest{Action: "push"}
	}
	if chosen != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of --message, --plan-feedback, --accept-plan, --push is required")
		return 1
	}

	if err := writeControlRequest(stateDir, loopID, req); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("%s requested for %s\n", req.Action, loopID)
	return 0
}
