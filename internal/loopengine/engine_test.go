package loopengine

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ralphloop/ralph/internal/agentbackend"
	"github.com/ralphloop/ralph/internal/agentbackend/testbackend"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/gitservice"
	"github.com/ralphloop/ralph/internal/loopconfig"
	"github.com/ralphloop/ralph/internal/loopstate"
	"github.com/ralphloop/ralph/internal/statemachine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestConfig() loopconfig.LoopConfig {
	cfg := loopconfig.LoopConfig{
		ID:        "loop-1",
		Name:      "My Loop",
		Directory: "/tmp/does-not-matter",
		Prompt:    "Do the thing",
		Mode:      loopconfig.ModeLoop,
	}
	parsed, err := loopconfig.Parse(mustYAML(cfg))
	if err != nil {
		panic(err)
	}
	return *parsed
}

// mustYAML renders just enough YAML for loopconfig.Parse to accept, since
// Parse is the only strict-decode entrypoint and tests want default-filling
// to run exactly like production config loading.
func mustYAML(cfg loopconfig.LoopConfig) []byte {
	return []byte("id: " + cfg.ID + "\nname: " + cfg.Name + "\ndirectory: " + cfg.Directory + "\nprompt: \"" + cfg.Prompt + "\"\n")
}

func newTestEngine(backend agentbackend.Backend, cfg loopconfig.LoopConfig) (*Engine, *loopstate.State) {
	state := loopstate.New()
	state.Session = &loopstate.SessionState{ID: "session-1"}
	bus := eventbus.New(testLogger())
	git := gitservice.New()
	eng := New("loop-1", cfg, state, bus, git, backend, testLogger(), nil)
	return eng, state
}

func completeScript(content string) testbackend.Script {
	return testbackend.Script{
		Events: []agentbackend.AgentEvent{
			{Kind: agentbackend.EventMessageStart},
			{Kind: agentbackend.EventMessageDelta, Content: content},
			{Kind: agentbackend.EventMessageComplete, Content: content},
		},
	}
}

func TestEngine_CompletesOnThirdIteration(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	if err := be.Connect(ctx, agentbackend.ConnectConfig{}); err != nil {
		t.Fatal(err)
	}
	be.QueueScript(completeScript("still working"))
	be.QueueScript(completeScript("almost there"))
	be.QueueScript(completeScript("done now <promise>COMPLETE</promise>"))

	cfg := newTestConfig()
	eng, state := newTestEngine(be, cfg)

	if err := eng.Start(ctx, StartOptions{SkipGitSetup: true}); err != nil {
		t.Fatal(err)
	}

	if state.Status != statemachine.StatusCompleted {
		t.Fatalf("status = %q, want completed", state.Status)
	}
	if state.CurrentIteration != 3 {
		t.Fatalf("CurrentIteration = %d, want 3", state.CurrentIteration)
	}
	if len(state.RecentIterations) != 3 {
		t.Fatalf("len(RecentIterations) = %d, want 3", len(state.RecentIterations))
	}
}

func TestEngine_MaxIterationsHit(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	_ = be.Connect(ctx, agentbackend.ConnectConfig{})
	for i := 0; i < 5; i++ {
		be.QueueScript(completeScript("keep going"))
	}

	cfg := newTestConfig()
	maxIter := 2
	cfg.MaxIterations = &maxIter
	eng, state := newTestEngine(be, cfg)

	if err := eng.Start(ctx, StartOptions{SkipGitSetup: true}); err != nil {
		t.Fatal(err)
	}

	if state.Status != statemachine.StatusMaxIterations {
		t.Fatalf("status = %q, want max_iterations", state.Status)
	}
	if state.CurrentIteration != 2 {
		t.Fatalf("CurrentIteration = %d, want 2", state.CurrentIteration)
	}
}

func TestEngine_ErrorRetryTripsFailsafe(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	_ = be.Connect(ctx, agentbackend.ConnectConfig{})
	errScript := testbackend.Script{
		Events: []agentbackend.AgentEvent{
			{Kind: agentbackend.EventError, ErrorMessage: "boom"},
		},
	}
	for i := 0; i < 5; i++ {
		be.QueueScript(errScript)
	}

	cfg := newTestConfig()
	maxErrs := 2
	cfg.MaxConsecutiveErrors = &maxErrs
	eng, state := newTestEngine(be, cfg)

	if err := eng.Start(ctx, StartOptions{SkipGitSetup: true}); err != nil {
		t.Fatal(err)
	}

	if state.Status != statemachine.StatusFailed {
		t.Fatalf("status = %q, want failed", state.Status)
	}
	if state.ConsecutiveErrors == nil || state.ConsecutiveErrors.Count != 2 {
		t.Fatalf("ConsecutiveErrors = %+v, want Count=2", state.ConsecutiveErrors)
	}
	// Failed iterations must not consume the iteration budget.
	if state.CurrentIteration != 0 {
		t.Fatalf("CurrentIteration = %d, want 0 (errors roll back)", state.CurrentIteration)
	}
}

// TestEngine_ThreeIdenticalErrorsTripFailsafeBeforeAnyRecovery pins down the
// B2-literal reading of the consecutive-error rule ("failsafe fires when
// count >= maxConsecutiveErrors") against three identical errors with
// maxConsecutiveErrors=3: count reaches 3 on the third error, so the loop
// fails there and a fourth, completing iteration never runs. This is a
// known divergence from the error-retry-with-failsafe walkthrough's literal
// expectation of a completing fourth iteration — see DESIGN.md's Open
// Question decisions for the chosen resolution.
func TestEngine_ThreeIdenticalErrorsTripFailsafeBeforeAnyRecovery(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	_ = be.Connect(ctx, agentbackend.ConnectConfig{})
	errScript := testbackend.Script{
		Events: []agentbackend.AgentEvent{
			{Kind: agentbackend.EventError, ErrorMessage: "Backend unavailable"},
		},
	}
	for i := 0; i < 3; i++ {
		be.QueueScript(errScript)
	}
	be.QueueScript(completeScript("recovered <promise>COMPLETE</promise>"))

	cfg := newTestConfig()
	maxIter, maxErrs := 3, 3
	cfg.MaxIterations = &maxIter
	cfg.MaxConsecutiveErrors = &maxErrs
	eng, state := newTestEngine(be, cfg)

	if err := eng.Start(ctx, StartOptions{SkipGitSetup: true}); err != nil {
		t.Fatal(err)
	}

	if state.Status != statemachine.StatusFailed {
		t.Fatalf("status = %q, want failed (count reaches maxConsecutiveErrors on the 3rd error)", state.Status)
	}
	if state.ConsecutiveErrors == nil || state.ConsecutiveErrors.Count != 3 {
		t.Fatalf("ConsecutiveErrors = %+v, want Count=3", state.ConsecutiveErrors)
	}
	if len(state.RecentIterations) != 3 {
		t.Fatalf("len(RecentIterations) = %d, want 3 (the 4th, completing script is never reached)", len(state.RecentIterations))
	}
}

func TestEngine_ErrorThenRecoveryResetsConsecutiveCount(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	_ = be.Connect(ctx, agentbackend.ConnectConfig{})
	be.QueueScript(testbackend.Script{Events: []agentbackend.AgentEvent{
		{Kind: agentbackend.EventError, ErrorMessage: "transient"},
	}})
	be.QueueScript(completeScript("recovered <promise>COMPLETE</promise>"))

	cfg := newTestConfig()
	maxErrs := 3
	cfg.MaxConsecutiveErrors = &maxErrs
	eng, state := newTestEngine(be, cfg)

	if err := eng.Start(ctx, StartOptions{SkipGitSetup: true}); err != nil {
		t.Fatal(err)
	}

	if state.Status != statemachine.StatusCompleted {
		t.Fatalf("status = %q, want completed", state.Status)
	}
	if state.ConsecutiveErrors != nil {
		t.Fatalf("ConsecutiveErrors = %+v, want nil after a completed iteration", state.ConsecutiveErrors)
	}
}

func TestEngine_PlanModeReachesPlanReady(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	_ = be.Connect(ctx, agentbackend.ConnectConfig{})
	be.QueueScript(completeScript("Here is the plan. <promise>PLAN_READY</promise>"))

	cfg := newTestConfig()
	cfg.PlanMode = true
	eng, state := newTestEngine(be, cfg)

	if err := eng.Start(ctx, StartOptions{SkipGitSetup: true}); err != nil {
		t.Fatal(err)
	}

	if state.Status != statemachine.StatusPlanning {
		t.Fatalf("status = %q, want planning (plan_ready exits without leaving planning)", state.Status)
	}
	if state.PlanMode == nil || !state.PlanMode.IsPlanReady {
		t.Fatalf("PlanMode = %+v, want IsPlanReady=true", state.PlanMode)
	}
}

func TestEngine_ChatModeCompletesAfterOneTurn(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	_ = be.Connect(ctx, agentbackend.ConnectConfig{})
	be.QueueScript(completeScript("just a chat reply, no markers here"))

	cfg := newTestConfig()
	cfg.Mode = loopconfig.ModeChat
	eng, state := newTestEngine(be, cfg)

	if err := eng.Start(ctx, StartOptions{SkipGitSetup: true}); err != nil {
		t.Fatal(err)
	}

	if state.Status != statemachine.StatusCompleted {
		t.Fatalf("status = %q, want completed", state.Status)
	}
	if state.CurrentIteration != 1 {
		t.Fatalf("CurrentIteration = %d, want 1 (chat mode is single-turn)", state.CurrentIteration)
	}
}

func TestEngine_ActivityTimeoutBecomesIterationError(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	_ = be.Connect(ctx, agentbackend.ConnectConfig{})
	// A script with one non-terminal event leaves the stream open with
	// nothing further delivered, so the activity timeout must fire.
	be.QueueScript(testbackend.Script{Events: []agentbackend.AgentEvent{
		{Kind: agentbackend.EventSessionStatus, Status: agentbackend.SessionBusy},
	}})
	be.QueueScript(completeScript("recovered <promise>COMPLETE</promise>"))

	cfg := newTestConfig()
	cfg.ActivityTimeoutSeconds = 1
	eng, state := newTestEngine(be, cfg)

	start := time.Now()
	if err := eng.Start(ctx, StartOptions{SkipGitSetup: true}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("elapsed = %v, want >= 1s (activity timeout should have been enforced)", elapsed)
	}

	if state.Status != statemachine.StatusCompleted {
		t.Fatalf("status = %q, want completed after timeout-then-recovery", state.Status)
	}
	if state.Error == nil || !strings.Contains(state.Error.Message, "No activity") {
		t.Fatalf("Error = %+v, want a recorded \"No activity\" message", state.Error)
	}
}

func TestInjectPendingNow_IdleIsFireAndForget(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	_ = be.Connect(ctx, agentbackend.ConnectConfig{})
	cfg := newTestConfig()
	eng, state := newTestEngine(be, cfg)

	if err := eng.injectPendingNow(ctx, InjectionRequest{Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	if state.PendingPrompt != "hello" {
		t.Fatalf("PendingPrompt = %q, want %q", state.PendingPrompt, "hello")
	}
	if state.InjectionPending {
		t.Fatal("InjectionPending should stay false when the engine is idle")
	}
}

func TestBuildExecutionPrompt_IncludesInjectedMessageAndErrorBlock(t *testing.T) {
	be := testbackend.New()
	cfg := newTestConfig()
	eng, state := newTestEngine(be, cfg)
	state.PendingPrompt = "please also fix the footer"
	state.ConsecutiveErrors = &loopstate.ConsecutiveErrorState{LastErrorMessage: "flaky timeout", Count: 1}

	prompt := eng.buildPrompt(1)

	if !strings.Contains(prompt, "Original Goal: Do the thing") {
		t.Errorf("prompt missing original goal: %q", prompt)
	}
	if !strings.Contains(prompt, "please also fix the footer") {
		t.Errorf("prompt missing injected user message: %q", prompt)
	}
	if !strings.Contains(prompt, "flaky timeout") {
		t.Errorf("prompt missing previous error context: %q", prompt)
	}
	if !strings.Contains(prompt, "<promise>COMPLETE</promise>") {
		t.Errorf("prompt missing completion marker: %q", prompt)
	}
	if state.PendingPrompt != "" {
		t.Errorf("PendingPrompt = %q, want cleared after read", state.PendingPrompt)
	}
}

func TestBuildPlanPrompt_FirstRoundAsksForPlanFiles(t *testing.T) {
	be := testbackend.New()
	cfg := newTestConfig()
	cfg.PlanMode = true
	eng, _ := newTestEngine(be, cfg)

	prompt := eng.buildPrompt(1)
	if !strings.Contains(prompt, ".planning/plan.md") {
		t.Errorf("plan prompt missing plan.md instruction: %q", prompt)
	}
	if !strings.Contains(prompt, "<promise>PLAN_READY</promise>") {
		t.Errorf("plan prompt missing plan-ready marker: %q", prompt)
	}
}

func TestBuildChatPrompt_UsesDirectoryAndMessage(t *testing.T) {
	be := testbackend.New()
	cfg := newTestConfig()
	cfg.Mode = loopconfig.ModeChat
	eng, _ := newTestEngine(be, cfg)

	prompt := eng.buildPrompt(1)
	if !strings.Contains(prompt, "You are working in directory:") {
		t.Errorf("chat prompt missing directory preamble: %q", prompt)
	}
	if !strings.Contains(prompt, "Do the thing") {
		t.Errorf("chat prompt missing the configured prompt: %q", prompt)
	}
	if strings.Contains(prompt, "<promise>") {
		t.Errorf("chat prompt must not include a completion marker: %q", prompt)
	}
}

func TestWaitForLoopIdle_TimesOutWhileRunning(t *testing.T) {
	be := testbackend.New()
	cfg := newTestConfig()
	eng, _ := newTestEngine(be, cfg)
	eng.isLoopRunning = true

	ok := eng.WaitForLoopIdle(context.Background(), 50*time.Millisecond)
	if ok {
		t.Fatal("WaitForLoopIdle should time out while isLoopRunning stays true")
	}
}

func TestStop_ClearsPersistCallbackAndTransitions(t *testing.T) {
	be := testbackend.New()
	ctx := context.Background()
	_ = be.Connect(ctx, agentbackend.ConnectConfig{})
	cfg := newTestConfig()
	state := loopstate.New()
	state.Status = statemachine.StatusRunning
	state.Session = &loopstate.SessionState{ID: "session-1"}
	persisted := false
	bus := eventbus.New(testLogger())
	eng := New("loop-1", cfg, state, bus, gitservice.New(), be, testLogger(), func(*loopstate.State) error {
		persisted = true
		return nil
	})

	if err := eng.Stop("user requested"); err != nil {
		t.Fatal(err)
	}
	if state.Status != statemachine.StatusStopped {
		t.Fatalf("status = %q, want stopped", state.Status)
	}
	eng.persist()
	if persisted {
		t.Fatal("onPersistState should have been nilled out by Stop")
	}
}
