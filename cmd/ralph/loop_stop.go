package main

import (
	"fmt"
	"os"
)

func loopStop(args []string) {
	os.Exit(runLoopStop(args))
}

func runLoopStop(args []string) int {
	var loopID, stateDir, reason string
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
		case "--reason":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--reason requires a value")
				return 1
			}
			reason = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if loopID == "" || stateDir == "" {
		fmt.Fprintln(os.Stderr, "--id and --state-dir are required")
		return 1
	}
	if reason == "" {
		reason = "stopped via CLI"
	}

	if err := writeControlRequest(stateDir, loopID, controlRequest{Action: "stop", Reason: reason}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("stop requested for %s\n", loopID)
	return 0
}
