package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// controlRequest is a file dropped next to a loop's state, the same
// mechanism as the teacher's stop_request.json generalised from a single
// signal to the loop's whole control surface: a loop only runs inside one
// foreground `ralph loop start` process and has no listener of its own, so
// stop/inject/plan-feedback/accept-plan/push from a separate invocation of
// the binary all arrive this way.
type controlRequest struct {
	Timestamp    string `json:"timestamp"`
	Action       string `json:"action"`
	Message      string `json:"message,omitempty"`
	PlanFeedback string `json:"planFeedback,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func controlRequestPath(stateDir, loopID string) string {
	return filepath.Join(stateDir, loopID+".control.json")
}

func writeControlRequest(stateDir, loopID string, req controlRequest) error {
	req.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return os.WriteFile(controlRequestPath(stateDir, loopID), b, 0o644)
}

// popControlRequest reads and removes loopID's pending control request, if
// any. A missing or unparseable file is treated as "nothing pending".
func popControlRequest(stateDir, loopID string) (*controlRequest, bool) {
	path := controlRequestPath(stateDir, loopID)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	_ = os.Remove(path)
	var req controlRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, false
	}
	return &req, true
}
