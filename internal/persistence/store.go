// Package persistence defines the loop-state storage boundary (C9):
// SaveLoopState appends a full snapshot, LoadAll returns every non-deleted
// loop's most recent one. Persistence failures are logged by callers, never
// propagated into a running iteration.
package persistence

import "github.com/ralphloop/ralph/internal/loopstate"

// Store is the persistence boundary LoopManager depends on.
type Store interface {
	SaveLoopState(loopID string, snapshot *loopstate.State) error
	LoadAll() (map[string]*loopstate.State, error)
	Delete(loopID string) error
}
