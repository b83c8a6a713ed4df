package loopmanager

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ralphloop/ralph/internal/agentbackend"
	"github.com/ralphloop/ralph/internal/agentbackend/testbackend"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/gitservice"
	"github.com/ralphloop/ralph/internal/loopconfig"
	"github.com/ralphloop/ralph/internal/loopengine"
	"github.com/ralphloop/ralph/internal/persistence/filestore"
	"github.com/ralphloop/ralph/internal/statemachine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, backends ...agentbackend.Backend) *Manager {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	idx := 0
	factory := func() agentbackend.Backend {
		if idx < len(backends) {
			be := backends[idx]
			idx++
			return be
		}
		return testbackend.New()
	}
	m, err := New(store, t.TempDir(), eventbus.New(testLogger()), gitservice.New(), factory, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// baseConfig builds a plan-mode config so StartLoop's real git setup step is
// skipped (engine.Start only runs setupGitBranch for non-plan-mode loops),
// letting these tests drive a real Manager/Engine pair without a git repo.
func baseConfig(id, dir string) loopconfig.LoopConfig {
	return loopconfig.LoopConfig{
		ID:        id,
		Name:      "demo",
		Directory: dir,
		Prompt:    "do the thing",
		Mode:      loopconfig.ModeLoop,
		PlanMode:  true,
	}
}

func planReadyBackend() *testbackend.Backend {
	be := testbackend.New()
	be.QueueScript(testbackend.Script{Events: []agentbackend.AgentEvent{
		{Kind: agentbackend.EventMessageStart},
		{Kind: agentbackend.EventMessageDelta, Content: "here is the plan <promise>PLAN_READY</promise>"},
		{Kind: agentbackend.EventMessageComplete, Content: "here is the plan <promise>PLAN_READY</promise>"},
	}})
	return be
}

func TestCreateLoop_AssignsIDAndPersistsConfig(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CreateLoop(baseConfig("", t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != statemachine.StatusIdle {
		t.Fatalf("status = %q, want idle", state.Status)
	}
	if len(m.List()) != 1 {
		t.Fatalf("List() = %v, want one loop", m.List())
	}
}

func TestCreateLoop_WiresReviewCyclesIntoInitialState(t *testing.T) {
	m := newTestManager(t)
	cfg := baseConfig("loop-1", t.TempDir())
	cfg.ReviewCycles = 2
	state, err := m.CreateLoop(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if state.ReviewMode == nil || state.ReviewMode.ReviewCycles != 2 {
		t.Fatalf("ReviewMode = %+v, want ReviewCycles=2", state.ReviewMode)
	}
}

func TestCreateLoop_DuplicateIDRejected(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	if _, err := m.CreateLoop(baseConfig("loop-1", dir)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateLoop(baseConfig("loop-1", dir)); err == nil {
		t.Fatal("expected duplicate ID to be rejected")
	}
}

func TestStartLoop_RunsToPlanReady(t *testing.T) {
	be := planReadyBackend()
	m := newTestManager(t, be)
	state, err := m.CreateLoop(baseConfig("loop-1", t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}

	if err := m.StartLoop(context.Background(), "loop-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.WaitForLoop(context.Background(), "loop-1"); err != nil {
		t.Fatal(err)
	}
	if state.Status != statemachine.StatusPlanning {
		t.Fatalf("status = %q, want planning", state.Status)
	}
	if state.PlanMode == nil || !state.PlanMode.IsPlanReady {
		t.Fatalf("PlanMode = %+v, want IsPlanReady=true", state.PlanMode)
	}
}

func TestStartLoop_RejectsDoubleStart(t *testing.T) {
	be := testbackend.New()
	_ = be.Connect(context.Background(), agentbackend.ConnectConfig{})
	// No script queued: popScript's fallback keeps emitting trivial
	// non-completing turns forever (it never contains PLAN_READY), so the
	// loop never finishes on its own and can't race the second StartLoop call.
	m := newTestManager(t, be)
	if _, err := m.CreateLoop(baseConfig("loop-1", t.TempDir())); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartLoop(ctx, "loop-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.StartLoop(ctx, "loop-1"); err == nil {
		t.Fatal("expected second StartLoop to be rejected while the first is running")
	}
	_ = m.StopLoop("loop-1", "test cleanup")
}

func TestStopLoop_TransitionsToStopped(t *testing.T) {
	be := testbackend.New()
	_ = be.Connect(context.Background(), agentbackend.ConnectConfig{})
	m := newTestManager(t, be)
	state, err := m.CreateLoop(baseConfig("loop-1", t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.StartLoop(context.Background(), "loop-1"); err != nil {
		t.Fatal(err)
	}
	// Give the background goroutine a moment to reach a running iteration.
	time.Sleep(10 * time.Millisecond)
	if err := m.StopLoop("loop-1", "user requested"); err != nil {
		t.Fatal(err)
	}
	_ = m.WaitForLoop(context.Background(), "loop-1")
	if state.Status != statemachine.StatusStopped {
		t.Fatalf("status = %q, want stopped", state.Status)
	}
}

func TestInjectPrompt_SetsPendingPromptOnIdleLoop(t *testing.T) {
	be := testbackend.New()
	_ = be.Connect(context.Background(), agentbackend.ConnectConfig{})
	m := newTestManager(t, be)
	state, err := m.CreateLoop(baseConfig("loop-1", t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.InjectPrompt(context.Background(), "loop-1", loopengine.InjectionRequest{Message: "new goal"}); err != nil {
		t.Fatal(err)
	}
	if state.PendingPrompt != "new goal" {
		t.Fatalf("PendingPrompt = %q, want %q", state.PendingPrompt, "new goal")
	}
}

func TestDeleteLoop_PurgesFromRegistryAndStorage(t *testing.T) {
	be := testbackend.New()
	_ = be.Connect(context.Background(), agentbackend.ConnectConfig{})
	m := newTestManager(t, be)
	if _, err := m.CreateLoop(baseConfig("loop-1", t.TempDir())); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteLoop("loop-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("loop-1"); ok {
		t.Fatal("Get should fail after DeleteLoop")
	}
	if err := m.Restore(); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("loop-1"); ok {
		t.Fatal("Restore should not resurrect a deleted loop")
	}
}

func TestRestore_ReconstructsLoopFromDisk(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	configDir := t.TempDir()
	bus := eventbus.New(testLogger())
	git := gitservice.New()

	idx := 0
	backends := []agentbackend.Backend{testbackend.New(), planReadyBackend()}
	factory := func() agentbackend.Backend {
		b := backends[idx%len(backends)]
		idx++
		return b
	}

	m1, err := New(store, configDir, bus, git, factory, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m1.CreateLoop(baseConfig("loop-1", t.TempDir())); err != nil {
		t.Fatal(err)
	}

	m2, err := New(store, configDir, bus, git, factory, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := m2.Restore(); err != nil {
		t.Fatal(err)
	}
	if _, ok := m2.Get("loop-1"); !ok {
		t.Fatal("Restore should reconstruct loop-1 from disk")
	}
	if err := m2.StartLoop(context.Background(), "loop-1"); err != nil {
		t.Fatal(err)
	}
	if err := m2.WaitForLoop(context.Background(), "loop-1"); err != nil {
		t.Fatal(err)
	}
	state, _ := m2.Get("loop-1")
	if state.Status != statemachine.StatusPlanning || state.PlanMode == nil || !state.PlanMode.IsPlanReady {
		t.Fatalf("state = %+v, want planning with plan ready after restored loop runs", state)
	}
}
