package llm

import (
	"context"
	"testing"

	"github.com/m4xw311/parley/errors"
)

func TestMockClientRespondsInOrder(t *testing.T) {
	mock := &MockClient{Responses: []string{"first", "second"}}
	ctx := context.Background()

	resp, err := mock.Chat(ctx, "sys", []Message{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp != "first" {
		t.Errorf("expected 'first', got %q", resp)
	}

	resp, _ = mock.Chat(ctx, "sys", []Message{{Role: "user", Content: "again"}})
	if resp != "second" {
		t.Errorf("expected 'second', got %q", resp)
	}

	// Out of canned responses: parrots the last user message.
	resp, _ = mock.Chat(ctx, "sys", []Message{{Role: "user", Content: "third"}})
	if resp != "mock reply to: third" {
		t.Errorf("unexpected fallback response %q", resp)
	}

	if len(mock.Calls) != 3 {
		t.Errorf("expected 3 recorded calls, got %d", len(mock.Calls))
	}
	if mock.Calls[0].SystemPrompt != "sys" {
		t.Errorf("system prompt not recorded, got %q", mock.Calls[0].SystemPrompt)
	}
}

func TestMockClientError(t *testing.T) {
	mock := &MockClient{Err: errors.NewKind(errors.KindConnector, "boom")}
	_, err := mock.Chat(context.Background(), "", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsKind(err, errors.KindConnector) {
		t.Errorf("expected connector kind, got %v", err)
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient(context.Background(), "nonexistent", "some-model")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !errors.IsKind(err, errors.KindConfiguration) {
		t.Errorf("expected configuration kind, got %v", err)
	}
}

func TestProviders(t *testing.T) {
	providers := Providers()
	want := map[string]bool{"anthropic": true, "openai": true, "gemini": true, "bedrock": true}
	if len(providers) != len(want) {
		t.Fatalf("expected %d providers, got %d", len(want), len(providers))
	}
	for _, p := range providers {
		if !want[p] {
			t.Errorf("unexpected provider %q", p)
		}
	}
}
