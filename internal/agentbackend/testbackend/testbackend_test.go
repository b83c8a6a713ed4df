package testbackend

import (
	"context"
	"testing"

	"github.com/ralphloop/ralph/internal/agentbackend"
)

func TestSendPromptBlocking(t *testing.T) {
	ctx := context.Background()
	b := New()
	if err := b.Connect(ctx, agentbackend.ConnectConfig{}); err != nil {
		t.Fatal(err)
	}
	sess, err := b.CreateSession(ctx, agentbackend.SessionParams{Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	b.QueueScript(Script{Content: "hello world"})

	resp, err := b.SendPrompt(ctx, sess.ID, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello world" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello world")
	}
}

func TestSendPromptAsync_EventsArriveOnSubscribedStream(t *testing.T) {
	ctx := context.Background()
	b := New()
	_ = b.Connect(ctx, agentbackend.ConnectConfig{})
	sess, _ := b.CreateSession(ctx, agentbackend.SessionParams{})

	b.QueueScript(Script{Events: []agentbackend.AgentEvent{
		{Kind: agentbackend.EventMessageStart, MessageID: "m1"},
		{Kind: agentbackend.EventMessageDelta, Content: "partial"},
		{Kind: agentbackend.EventMessageComplete, Content: "partial done"},
	}})

	stream, err := b.SubscribeToEvents(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SendPromptAsync(ctx, sess.ID, "go"); err != nil {
		t.Fatal(err)
	}

	var kinds []agentbackend.EventKind
	for i := 0; i < 3; i++ {
		ev, ok := stream.Next(ctx)
		if !ok {
			t.Fatalf("stream closed early at event %d", i)
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []agentbackend.EventKind{
		agentbackend.EventMessageStart,
		agentbackend.EventMessageDelta,
		agentbackend.EventMessageComplete,
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestCreateSessionRequiresConnect(t *testing.T) {
	b := New()
	if _, err := b.CreateSession(context.Background(), agentbackend.SessionParams{}); err == nil {
		t.Error("CreateSession should fail when not connected")
	}
}

func TestUnscriptedPromptReturnsEmptyComplete(t *testing.T) {
	ctx := context.Background()
	b := New()
	_ = b.Connect(ctx, agentbackend.ConnectConfig{})
	sess, _ := b.CreateSession(ctx, agentbackend.SessionParams{})

	resp, err := b.SendPrompt(ctx, sess.ID, "anything")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "" {
		t.Errorf("Content = %q, want empty for unscripted prompt", resp.Content)
	}
}
