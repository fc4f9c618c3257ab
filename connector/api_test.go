package connector

import (
	"context"
	"testing"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
)

func TestAPIConnectorAccumulatesHistory(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"reply one", "reply two"}}
	c := NewAPIConnectorWithClient(mock, nil)
	ctx := context.Background()

	if err := c.Launch(ctx, "You are the analyst."); err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	resp, err := c.Execute(ctx, "first question")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if resp != "reply one" {
		t.Errorf("unexpected response %q", resp)
	}

	if _, err := c.Execute(ctx, "second question"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	// Second call must carry the full history: user, assistant, user.
	last := mock.Calls[1]
	if last.SystemPrompt != "You are the analyst." {
		t.Errorf("system prompt not forwarded, got %q", last.SystemPrompt)
	}
	if len(last.Messages) != 3 {
		t.Fatalf("expected 3 history messages, got %d", len(last.Messages))
	}
	if last.Messages[1].Role != "assistant" || last.Messages[1].Content != "reply one" {
		t.Errorf("assistant turn missing from history: %+v", last.Messages[1])
	}
}

func TestAPIConnectorRollsBackHistoryOnError(t *testing.T) {
	mock := &llm.MockClient{Err: errors.New("api down")}
	c := NewAPIConnectorWithClient(mock, nil)
	ctx := context.Background()
	if err := c.Launch(ctx, ""); err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	_, err := c.Execute(ctx, "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsKind(err, errors.KindConnector) {
		t.Errorf("expected connector kind, got %v", err)
	}

	// The failed turn must not linger in the history.
	mock.Err = nil
	mock.Responses = []string{"ok"}
	if _, err := c.Execute(ctx, "retry"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if got := len(mock.Calls[1].Messages); got != 1 {
		t.Errorf("expected only the retry message in history, got %d", got)
	}
}

func TestAPIConnectorShutdownIsIdempotent(t *testing.T) {
	c := NewAPIConnectorWithClient(&llm.MockClient{}, nil)
	if err := c.Launch(context.Background(), ""); err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	c.Shutdown()
	c.Shutdown()
	if c.Alive() {
		t.Error("connector should be dead after shutdown")
	}
	if _, err := c.Execute(context.Background(), "x"); err == nil {
		t.Error("expected error after shutdown")
	}
}

func TestAPIConnectorAvailability(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	c := NewAPIConnector("anthropic", "claude-sonnet-4-0", nil)
	if !c.CheckAvailability() {
		t.Error("provider with credentials should be available")
	}
	bad := NewAPIConnector("nope", "model", nil)
	if bad.CheckAvailability() {
		t.Error("unknown provider should not be available")
	}

	t.Setenv("OPENAI_API_KEY", "")
	noCreds := NewAPIConnector("openai", "gpt-4.1", nil)
	if noCreds.CheckAvailability() {
		t.Error("provider without credentials should not be available")
	}

	withClient := NewAPIConnectorWithClient(&llm.MockClient{}, nil)
	if !withClient.CheckAvailability() {
		t.Error("connector with injected client should be available")
	}
}
