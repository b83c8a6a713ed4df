package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ralphloop/ralph/internal/loopstate"
	"github.com/ralphloop/ralph/internal/persistence/filestore"
)

func loopStatus(args []string) {
	os.Exit(runLoopStatus(args, os.Stdout, os.Stderr))
}

func runLoopStatus(args []string, stdout, stderr io.Writer) int {
	var loopID, stateDir string
	var asJSON, watch bool
	intervalSec := 2

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--id requires a value")
				return 1
			}
			loopID = args[i]
		case "--state-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--state-dir requires a value")
				return 1
			}
			stateDir = args[i]
		case "--json":
			asJSON = true
		case "--watch":
			watch = true
		case "--interval":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--interval requires a value")
				return 1
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintln(stderr, "--interval must be a positive integer")
				return 1
			}
			intervalSec = n
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if loopID == "" || stateDir == "" {
		fmt.Fprintln(stderr, "--id and --state-dir are required")
		return 1
	}

	if !watch {
		return printLoopStatus(stateDir, loopID, stdout, stderr, asJSON)
	}
	for {
		if code := printLoopStatus(stateDir, loopID, stdout, stderr, asJSON); code != 0 {
			return code
		}
		time.Sleep(time.Duration(intervalSec) * time.Second)
	}
}

func printLoopStatus(stateDir, loopID string, stdout, stderr io.Writer, asJSON bool) int {
	store, err := filestore.New(stateDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	snapshots, err := store.LoadAll()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	state, ok := snapshots[loopID]
	if !ok {
		fmt.Fprintf(stderr, "no state found for loop %q\n", loopID)
		return 1
	}

	if asJSON {
		b, err := json.Marshal(state)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, string(b))
		return 0
	}
	printLoopStatusLines(state, stdout)
	return 0
}

func printLoopStatusLines(state *loopstate.State, stdout io.Writer) {
	fmt.Fprintf(stdout, "status=%s\n", state.Status)
	fmt.Fprintf(stdout, "iteration=%d\n", state.CurrentIteration)
	if state.PlanMode != nil {
		fmt.Fprintf(stdout, "plan_ready=%t\n", state.PlanMode.IsPlanReady)
		fmt.Fprintf(stdout, "plan_feedback_rounds=%d\n", state.PlanMode.FeedbackRounds)
	}
	if state.Error != nil {
		fmt.Fprintf(stdout, "last_error=%s\n", state.Error.Message)
	}
	if state.Git != nil {
		fmt.Fprintf(stdout, "working_branch=%s\n", state.Git.WorkingBranch)
		fmt.Fprintf(stdout, "commits=%d\n", len(state.Git.Commits))
	}
}
