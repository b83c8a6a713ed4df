// Package testbackend is a scriptable in-memory agentbackend.Backend used by
// LoopEngine's own test suite and as a smoke-test backend for the CLI.
package testbackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ralphloop/ralph/internal/agentbackend"
)

// Script is a pre-scripted reply a test configures for a given prompt.
// Events are emitted in order, then Err and Content determine the SendPrompt
// return.
type Script struct {
	Events  []agentbackend.AgentEvent
	Content string
	Err     error
}

// Backend is a scriptable in-memory agentbackend.Backend. Each call to
// SendPrompt/SendPromptAsync pops the next queued Script (falling back to a
// trivial message.complete if the queue is empty), mirroring how a real
// backend answers one prompt at a time per session.
type Backend struct {
	mu        sync.Mutex
	connected bool
	sessions  map[string]*session
	scripts   []Script
	nextIdx   int
}

type session struct {
	id     string
	events chan agentbackend.AgentEvent
	closed bool
}

// New returns a disconnected Backend with no scripted responses.
func New() *Backend {
	return &Backend{sessions: map[string]*session{}}
}

// QueueScript appends a scripted response, consumed in FIFO order across
// successive SendPrompt/SendPromptAsync calls regardless of session.
func (b *Backend) QueueScript(s Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts = append(b.scripts, s)
}

func (b *Backend) Connect(ctx context.Context, cfg agentbackend.ConnectConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	for _, s := range b.sessions {
		b.closeSessionLocked(s)
	}
	return nil
}

func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Backend) CreateSession(ctx context.Context, params agentbackend.SessionParams) (agentbackend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return agentbackend.Session{}, fmt.Errorf("testbackend: not connected")
	}
	id := ulid.Make().String()
	b.sessions[id] = &session{id: id, events: make(chan agentbackend.AgentEvent, 256)}
	return agentbackend.Session{ID: id, CreatedAt: time.Now().UTC().Format(time.RFC3339)}, nil
}

func (b *Backend) SendPrompt(ctx context.Context, sessionID, prompt string) (agentbackend.PromptResponse, error) {
	sc := b.popScript()
	sess := b.session(sessionID)
	if sess == nil {
		return agentbackend.PromptResponse{}, fmt.Errorf("testbackend: unknown session %q", sessionID)
	}
	b.emitAll(sess, sc)
	if sc.Err != nil {
		return agentbackend.PromptResponse{}, sc.Err
	}
	return agentbackend.PromptResponse{ID: ulid.Make().String(), Content: sc.Content}, nil
}

func (b *Backend) SendPromptAsync(ctx context.Context, sessionID, prompt string) error {
	sc := b.popScript()
	sess := b.session(sessionID)
	if sess == nil {
		return fmt.Errorf("testbackend: unknown session %q", sessionID)
	}
	go b.emitAll(sess, sc)
	return nil
}

func (b *Backend) AbortSession(ctx context.Context, sessionID string) error {
	sess := b.session(sessionID)
	if sess == nil {
		return fmt.Errorf("testbackend: unknown session %q", sessionID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case sess.events <- agentbackend.AgentEvent{Kind: agentbackend.EventSessionStatus, Status: agentbackend.SessionIdle}:
	default:
	}
	return nil
}

func (b *Backend) SubscribeToEvents(ctx context.Context, sessionID string) (agentbackend.EventStream, error) {
	sess := b.session(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("testbackend: unknown session %q", sessionID)
	}
	return &stream{sess: sess}, nil
}

func (b *Backend) ReplyToPermission(ctx context.Context, requestID string, decision agentbackend.PermissionDecision) error {
	return nil
}

func (b *Backend) ReplyToQuestion(ctx context.Context, requestID string, answers map[string]string) error {
	return nil
}

// session returns the session for id. A non-empty id this Backend did not
// create (such as one restored from persisted loop state) is adopted as a
// fresh session, the way a server that still holds the session would answer.
func (b *Backend) session(id string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok && id != "" {
		s = &session{id: id, events: make(chan agentbackend.AgentEvent, 256)}
		b.sessions[id] = s
	}
	return s
}

func (b *Backend) popScript() Script {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nextIdx >= len(b.scripts) {
		return Script{Content: "", Events: []agentbackend.AgentEvent{
			{Kind: agentbackend.EventMessageComplete, Content: ""},
		}}
	}
	sc := b.scripts[b.nextIdx]
	b.nextIdx++
	if len(sc.Events) == 0 {
		sc.Events = []agentbackend.AgentEvent{{Kind: agentbackend.EventMessageComplete, Content: sc.Content}}
	}
	return sc
}

func (b *Backend) emitAll(sess *session, sc Script) {
	for _, ev := range sc.Events {
		select {
		case sess.events <- ev:
		default:
		}
	}
}

func (b *Backend) closeSessionLocked(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

type stream struct {
	sess *session
}

func (s *stream) Next(ctx context.Context) (agentbackend.AgentEvent, bool) {
	select {
	case <-ctx.Done():
		return agentbackend.AgentEvent{}, false
	case ev, ok := <-s.sess.events:
		return ev, ok
	}
}

func (s *stream) Close() {}
