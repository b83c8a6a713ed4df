// Package statemachine centralises the loop status transition table so no
// other package can mutate a loop's status without going through
// AssertValidTransition.
package statemachine

import "fmt"

// Status is a loop's lifecycle state.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusDraft               Status = "draft"
	StatusPlanning            Status = "planning"
	StatusStarting            Status = "starting"
	StatusRunning             Status = "running"
	StatusWaiting             Status = "waiting"
	StatusCompleted           Status = "completed"
	StatusStopped             Status = "stopped"
	StatusFailed              Status = "failed"
	StatusMaxIterations       Status = "max_iterations"
	StatusResolvingConflicts  Status = "resolving_conflicts"
	StatusMerged              Status = "merged"
	StatusPushed              Status = "pushed"
	StatusDeleted             Status = "deleted"
	// StatusPaused exists for data-model completeness only: the teacher's
	// own loop status enum carries a `paused` value that is never reached
	// by any live transition. No entry below lists it as a destination;
	// see the Open Question in SPEC_FULL.md §9.
	StatusPaused Status = "paused"
)

// InvalidTransitionError is returned when a transition is not in the table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid loop status transition: %s -> %s", e.From, e.To)
}

// transitions is the authoritative table: any (from, to) pair not listed
// here is rejected.
var transitions = map[Status]map[Status]bool{
	StatusIdle: set(StatusStarting, StatusPlanning, StatusDraft, StatusDeleted),
	StatusDraft: set(StatusIdle, StatusPlanning, StatusDeleted),
	StatusPlanning: set(StatusRunning, StatusStopped, StatusFailed, StatusDeleted),
	StatusStarting: set(StatusRunning, StatusFailed, StatusStopped, StatusDeleted),
	StatusRunning: set(StatusCompleted, StatusStopped, StatusFailed, StatusMaxIterations, StatusDeleted),
	StatusWaiting: set(StatusRunning, StatusCompleted, StatusStopped, StatusFailed, StatusMaxIterations, StatusDeleted),
	StatusCompleted: set(StatusMerged, StatusPushed, StatusDeleted, StatusResolvingConflicts, StatusIdle, StatusStopped, StatusPlanning),
	StatusStopped: set(StatusStarting, StatusPlanning, StatusDeleted, StatusStopped),
	StatusFailed: set(StatusDeleted, StatusStopped, StatusPlanning),
	StatusMaxIterations: set(StatusMerged, StatusPushed, StatusDeleted, StatusResolvingConflicts, StatusStopped, StatusPlanning),
	StatusResolvingConflicts: set(StatusStarting, StatusStopped, StatusFailed, StatusPushed, StatusCompleted, StatusMaxIterations, StatusDeleted),
	StatusMerged: set(StatusDeleted, StatusIdle),
	StatusPushed: set(StatusDeleted, StatusIdle, StatusResolvingConflicts),
	StatusDeleted: set(),
}

func set(statuses ...Status) map[Status]bool {
	m := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		m[s] = true
	}
	return m
}

// AssertValidTransition returns an *InvalidTransitionError if from->to is
// not a legal transition; nil otherwise. The zero-length transition
// from == to is only legal where the table explicitly lists it (e.g.
// stopped -> stopped), matching the letter of the authoritative table.
func AssertValidTransition(from, to Status) error {
	allowed, ok := transitions[from]
	if !ok || !allowed[to] {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// IsActiveStatus reports whether a loop in this status is actively driving
// an iteration (as opposed to idle, terminal, or awaiting user input).
func IsActiveStatus(s Status) bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPlanning, StatusResolvingConflicts:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is one of the end-of-run statuses merged,
// pushed or deleted. deleted has no outgoing transitions; merged and pushed
// still allow deleted and idle, and pushed also allows resolving_conflicts.
func IsTerminal(s Status) bool {
	switch s {
	case StatusMerged, StatusPushed, StatusDeleted:
		return true
	default:
		return false
	}
}
