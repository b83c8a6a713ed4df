package loopstate

import "testing"

func TestAppendRecentIterationBoundedAtTen(t *testing.T) {
	s := New()
	for i := 0; i < 15; i++ {
		s.AppendRecentIteration(IterationSummary{Iteration: i})
	}
	if len(s.RecentIterations) != MaxRecent {
		t.Fatalf("len = %d, want %d", len(s.RecentIterations), MaxRecent)
	}
	if s.RecentIterations[0].Iteration != 5 {
		t.Errorf("oldest retained iteration = %d, want 5 (evicted 0..4)", s.RecentIterations[0].Iteration)
	}
	if s.RecentIterations[len(s.RecentIterations)-1].Iteration != 14 {
		t.Errorf("newest iteration = %d, want 14", s.RecentIterations[len(s.RecentIterations)-1].Iteration)
	}
}

func TestAppendLogBoundedAtCap(t *testing.T) {
	s := New()
	for i := 0; i < MaxLogs+100; i++ {
		s.AppendLog(LogEntry{ID: "x"})
	}
	if len(s.Logs) != MaxLogs {
		t.Fatalf("len = %d, want %d", len(s.Logs), MaxLogs)
	}
}

func TestPendingPromptClearedOnRead(t *testing.T) {
	s := New()
	s.PendingPrompt = "new goal"
	got := s.ClearPendingPrompt()
	if got != "new goal" {
		t.Errorf("ClearPendingPrompt() = %q, want %q", got, "new goal")
	}
	if s.PendingPrompt != "" {
		t.Error("PendingPrompt should be cleared after read")
	}
	if s.ClearPendingPrompt() != "" {
		t.Error("second ClearPendingPrompt should return empty")
	}
}
