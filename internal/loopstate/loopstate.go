// Package loopstate holds the mutable state of one loop: everything that
// changes between iterations, as opposed to its immutable loopconfig.
package loopstate

import (
	"time"

	"github.com/ralphloop/ralph/internal/loopconfig"
	"github.com/ralphloop/ralph/internal/statemachine"
)

const (
	MaxLogs      = 5000
	MaxMessages  = 2000
	MaxToolCalls = 5000
	MaxRecent    = 10
)

// IterationOutcome is what runIteration decided happened.
type IterationOutcome string

const (
	OutcomeContinue  IterationOutcome = "continue"
	OutcomeComplete  IterationOutcome = "complete"
	OutcomePlanReady IterationOutcome = "plan_ready"
	OutcomeError     IterationOutcome = "error"
)

// IterationSummary is one completed (or errored) iteration's record.
type IterationSummary struct {
	Iteration     int              `json:"iteration"`
	StartedAt     time.Time        `json:"startedAt"`
	CompletedAt   time.Time        `json:"completedAt"`
	MessageCount  int              `json:"messageCount"`
	ToolCallCount int              `json:"toolCallCount"`
	Outcome       IterationOutcome `json:"outcome"`
}

// GitCommit is one commit made by the loop during an iteration.
type GitCommit struct {
	Iteration    int       `json:"iteration"`
	SHA          string    `json:"sha"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	FilesChanged int       `json:"filesChanged"`
}

// LogEntry is one log line surfaced to subscribers.
type LogEntry struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageEntry is one chat-style message in the loop's transcript.
type MessageEntry struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallEntry tracks one tool invocation's lifecycle.
type ToolCallEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Input     any       `json:"input,omitempty"`
	Output    any       `json:"output,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TodoItem is one entry of the agent's self-reported todo list.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// GitState is the loop's worktree/branch bookkeeping.
type GitState struct {
	OriginalBranch string      `json:"originalBranch,omitempty"`
	WorkingBranch  string      `json:"workingBranch,omitempty"`
	WorktreePath   string      `json:"worktreePath,omitempty"`
	Commits        []GitCommit `json:"commits,omitempty"`
}

// SessionState identifies the AI backend session bound to this loop.
type SessionState struct {
	ID        string `json:"id,omitempty"`
	ServerURL string `json:"serverUrl,omitempty"`
}

// ErrorState is the most recent iteration error, if any, including errors
// the loop retried and recovered from.
type ErrorState struct {
	Message   string    `json:"message"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsecutiveErrorState tracks the failsafe counter.
type ConsecutiveErrorState struct {
	LastErrorMessage string `json:"lastErrorMessage"`
	Count            int    `json:"count"`
}

// PlanModeState tracks the plan/feedback/acceptance cycle.
type PlanModeState struct {
	Active                 bool   `json:"active"`
	FeedbackRounds         int    `json:"feedbackRounds"`
	PlanningFolderCleared  bool   `json:"planningFolderCleared"`
	IsPlanReady            bool   `json:"isPlanReady"`
	PlanContent            string `json:"planContent,omitempty"`
}

// ReviewModeState tracks the review-your-own-diff pass that runs before a
// completed loop is truly considered done.
type ReviewModeState struct {
	ReviewCycles     int    `json:"reviewCycles"`
	CompletionAction string `json:"completionAction,omitempty"`
}

// SyncState tracks base-branch-sync-before-push bookkeeping.
type SyncState struct {
	AutoPushOnComplete bool `json:"autoPushOnComplete"`
}

// State is the full mutable state of one loop. Every persisted snapshot is
// a complete State value.
type State struct {
	Status statemachine.Status `json:"status"`

	CurrentIteration int                `json:"currentIteration"`
	RecentIterations []IterationSummary `json:"recentIterations,omitempty"`

	Logs      []LogEntry      `json:"logs,omitempty"`
	Messages  []MessageEntry  `json:"messages,omitempty"`
	ToolCalls []ToolCallEntry `json:"toolCalls,omitempty"`
	Todos     []TodoItem      `json:"todos,omitempty"`

	Git     *GitState     `json:"git,omitempty"`
	Session *SessionState `json:"session,omitempty"`

	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`

	Error             *ErrorState            `json:"error,omitempty"`
	ConsecutiveErrors *ConsecutiveErrorState `json:"consecutiveErrors,omitempty"`

	PendingPrompt string                  `json:"pendingPrompt,omitempty"`
	PendingModel  *loopconfig.ModelConfig `json:"pendingModel,omitempty"`

	PlanMode   *PlanModeState   `json:"planMode,omitempty"`
	ReviewMode *ReviewModeState `json:"reviewMode,omitempty"`
	SyncState  *SyncState       `json:"syncState,omitempty"`

	IsLoopRunning     bool `json:"isLoopRunning"`
	Aborted           bool `json:"aborted"`
	InjectionPending  bool `json:"injectionPending"`
}

// New returns the initial state of a freshly created loop.
func New() *State {
	return &State{Status: statemachine.StatusIdle}
}

// AppendLog appends a bounded log entry, evicting the oldest on overflow.
func (s *State) AppendLog(e LogEntry) {
	s.Logs = append(s.Logs, e)
	if len(s.Logs) > MaxLogs {
		s.Logs = s.Logs[len(s.Logs)-MaxLogs:]
	}
}

// AppendMessage appends a bounded message entry, evicting the oldest on overflow.
func (s *State) AppendMessage(e MessageEntry) {
	s.Messages = append(s.Messages, e)
	if len(s.Messages) > MaxMessages {
		s.Messages = s.Messages[len(s.Messages)-MaxMessages:]
	}
}

// AppendToolCall appends a bounded tool-call entry, evicting the oldest on overflow.
func (s *State) AppendToolCall(e ToolCallEntry) {
	s.ToolCalls = append(s.ToolCalls, e)
	if len(s.ToolCalls) > MaxToolCalls {
		s.ToolCalls = s.ToolCalls[len(s.ToolCalls)-MaxToolCalls:]
	}
}

// AppendRecentIteration appends an IterationSummary, keeping at most
// MaxRecent entries (cap 10).
func (s *State) AppendRecentIteration(it IterationSummary) {
	s.RecentIterations = append(s.RecentIterations, it)
	if len(s.RecentIterations) > MaxRecent {
		s.RecentIterations = s.RecentIterations[len(s.RecentIterations)-MaxRecent:]
	}
}

// ClearPendingPrompt consumes and clears PendingPrompt in one step, per the
// injection protocol's exactly-once-read contract.
func (s *State) ClearPendingPrompt() string {
	p := s.PendingPrompt
	s.PendingPrompt = ""
	return p
}

// ClearPendingModel consumes and clears PendingModel in one step.
func (s *State) ClearPendingModel() *loopconfig.ModelConfig {
	m := s.PendingModel
	s.PendingModel = nil
	return m
}
