// Package agentbackend defines the interface LoopEngine uses to drive an AI
// coding session, independent of which provider or wire protocol backs it.
package agentbackend

import "context"

// ConnectConfig carries whatever a Backend needs to establish a connection.
// Fields are backend-specific; LoopEngine treats this as opaque.
type ConnectConfig struct {
	Endpoint string
	APIKey   string
	Extra    map[string]any
}

// SessionParams describes a session to create.
type SessionParams struct {
	Title     string
	Directory string
}

// Session is the result of creating a session.
type Session struct {
	ID        string
	CreatedAt string
}

// PromptResponse is the blocking-call result of SendPrompt.
type PromptResponse struct {
	ID      string
	Content string
	Parts   []string
}

// PermissionDecision is the caller's answer to a permission.asked event.
type PermissionDecision string

const (
	PermissionOnce   PermissionDecision = "once"
	PermissionAlways PermissionDecision = "always"
	PermissionDeny   PermissionDecision = "deny"
)

// Question is one question surfaced in a question.asked event.
type Question struct {
	ID   string
	Text string
}

// Backend is the contract LoopEngine drives an AI coding session through.
// Implementations must be safe for concurrent use by a single LoopEngine
// instance (one session at a time, but events are consumed concurrently
// with SendPromptAsync).
type Backend interface {
	Connect(ctx context.Context, cfg ConnectConfig) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	CreateSession(ctx context.Context, params SessionParams) (Session, error)

	// SendPrompt blocks until the backend's full response is available.
	SendPrompt(ctx context.Context, sessionID, prompt string) (PromptResponse, error)

	// SendPromptAsync is fire-and-forget; the response arrives via the event
	// stream returned by SubscribeToEvents, which callers must already be
	// listening on before calling this.
	SendPromptAsync(ctx context.Context, sessionID, prompt string) error

	// AbortSession interrupts the running generation; the session remains
	// usable afterward.
	AbortSession(ctx context.Context, sessionID string) error

	// SubscribeToEvents returns a stream of AgentEvent for sessionID. The
	// returned EventStream must be subscribed to before SendPromptAsync is
	// called, or early events may be lost.
	SubscribeToEvents(ctx context.Context, sessionID string) (EventStream, error)

	ReplyToPermission(ctx context.Context, requestID string, decision PermissionDecision) error
	ReplyToQuestion(ctx context.Context, requestID string, answers map[string]string) error
}

// EventStream is a pull-based, cancellable, finite stream of AgentEvent.
// Close is idempotent and cancels the producer; Next returns ok=false once
// the stream is exhausted or closed.
type EventStream interface {
	Next(ctx context.Context) (event AgentEvent, ok bool)
	Close()
}

// EventKind is the closed set of AgentEvent variants.
type EventKind string

const (
	EventMessageStart    EventKind = "message.start"
	EventMessageDelta    EventKind = "message.delta"
	EventMessageComplete EventKind = "message.complete"
	EventReasoningDelta  EventKind = "reasoning.delta"
	EventToolStart       EventKind = "tool.start"
	EventToolComplete    EventKind = "tool.complete"
	EventPermissionAsked EventKind = "permission.asked"
	EventQuestionAsked   EventKind = "question.asked"
	EventTodoUpdated     EventKind = "todo.updated"
	EventSessionStatus   EventKind = "session.status"
	EventError           EventKind = "error"
)

// SessionStatus is the session.status event's status field.
type SessionStatus string

const (
	SessionIdle  SessionStatus = "idle"
	SessionBusy  SessionStatus = "busy"
	SessionRetry SessionStatus = "retry"
)

// Todo is one entry of a todo.updated event's payload.
type Todo struct {
	Text string
	Done bool
}

// AgentEvent is a single event from the agent's event stream. Only the
// fields relevant to Kind are populated; the rest are zero.
type AgentEvent struct {
	Kind EventKind

	MessageID string
	Content   string

	ToolName string
	Input    any
	Output   any

	RequestID  string
	Permission string
	Patterns   []string
	Questions  []Question

	Todos []Todo

	Status  SessionStatus
	Attempt int
	Message string

	ErrorMessage string
}
