package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ralphloop/ralph/internal/loopstate"
	"github.com/ralphloop/ralph/internal/statemachine"
)

func TestSaveThenLoadAllRoundTrips(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	snap := loopstate.New()
	snap.Status = statemachine.StatusRunning
	snap.CurrentIteration = 3
	snap.AppendRecentIteration(loopstate.IterationSummary{Iteration: 1, Outcome: loopstate.OutcomeContinue})

	if err := st.SaveLoopState("loop-1", snap); err != nil {
		t.Fatal(err)
	}

	all, err := st.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	got, ok := all["loop-1"]
	if !ok {
		t.Fatal("LoadAll did not return loop-1")
	}
	if got.CurrentIteration != 3 || got.Status != statemachine.StatusRunning {
		t.Errorf("got = %+v, want CurrentIteration=3 Status=running", got)
	}
}

func TestLoadAllExcludesDeletedLoops(t *testing.T) {
	dir := t.TempDir()
	st, _ := New(dir)

	active := loopstate.New()
	active.Status = statemachine.StatusRunning
	deleted := loopstate.New()
	deleted.Status = statemachine.StatusDeleted

	if err := st.SaveLoopState("active-loop", active); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveLoopState("deleted-loop", deleted); err != nil {
		t.Fatal(err)
	}

	all, err := st.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := all["deleted-loop"]; ok {
		t.Error("LoadAll should exclude deleted loops")
	}
	if _, ok := all["active-loop"]; !ok {
		t.Error("LoadAll should include active loops")
	}
}

func TestLoadAllSkipsCorruptedTailLine(t *testing.T) {
	dir := t.TempDir()
	st, _ := New(dir)

	snap := loopstate.New()
	snap.Status = statemachine.StatusRunning
	snap.CurrentIteration = 1
	if err := st.SaveLoopState("loop-x", snap); err != nil {
		t.Fatal(err)
	}

	// Append a corrupted line whose hash doesn't match its payload,
	// simulating a truncated write.
	f, err := os.OpenFile(filepath.Join(dir, "loop-x.ndjson"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	badState, _ := json.Marshal(loopstate.State{Status: statemachine.StatusCompleted, CurrentIteration: 99})
	badLine, _ := json.Marshal(line{Hash: "not-the-real-hash", State: badState})
	if _, err := f.Write(append(badLine, '\n')); err != nil {
		t.Fatal(err)
	}
	f.Close()

	all, err := st.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	got, ok := all["loop-x"]
	if !ok {
		t.Fatal("LoadAll did not return loop-x")
	}
	if got.CurrentIteration != 1 {
		t.Errorf("CurrentIteration = %d, want 1 (corrupted tail line should be ignored)", got.CurrentIteration)
	}
}

func TestSaveLoopStateWritesRingsSidecar(t *testing.T) {
	dir := t.TempDir()
	st, _ := New(dir)

	snap := loopstate.New()
	snap.Git = &loopstate.GitState{Commits: []loopstate.GitCommit{{Iteration: 1, SHA: "abc123"}}}
	snap.AppendRecentIteration(loopstate.IterationSummary{Iteration: 1, Outcome: loopstate.OutcomeComplete})

	if err := st.SaveLoopState("loop-rings", snap); err != nil {
		t.Fatal(err)
	}

	iters, commits, err := LoadRings(dir, "loop-rings")
	if err != nil {
		t.Fatal(err)
	}
	if len(iters) != 1 || iters[0].Outcome != loopstate.OutcomeComplete {
		t.Errorf("iters = %+v", iters)
	}
	if len(commits) != 1 || commits[0].SHA != "abc123" {
		t.Errorf("commits = %+v", commits)
	}
}

func TestDeleteRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	st, _ := New(dir)
	snap := loopstate.New()
	_ = st.SaveLoopState("loop-del", snap)

	if err := st.Delete("loop-del"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "loop-del.ndjson")); !os.IsNotExist(err) {
		t.Error("log file should be removed")
	}
}

func TestCompactionKeepsLatestLine(t *testing.T) {
	dir := t.TempDir()
	st, _ := New(dir)
	for i := 0; i < maxRetainedLines+50; i++ {
		snap := loopstate.New()
		snap.CurrentIteration = i
		if err := st.SaveLoopState("loop-big", snap); err != nil {
			t.Fatal(err)
		}
	}
	lines, err := readValidLines(filepath.Join(dir, "loop-big.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) > maxRetainedLines {
		t.Errorf("len(lines) = %d, want <= %d after compaction", len(lines), maxRetainedLines)
	}
	all, err := st.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if all["loop-big"].CurrentIteration != maxRetainedLines+49 {
		t.Errorf("latest CurrentIteration = %d, want %d", all["loop-big"].CurrentIteration, maxRetainedLines+49)
	}
}

