package storage

import (
	"testing"
	"time"

	"github.com/m4xw311/parley/session"
)

func TestFileStoreRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	msg := session.Message{
		Role:        session.RoleAgent,
		RoleName:    "critic",
		DisplayName: "The Critic",
		Content:     "Looks good",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := fs.AddMessage("42", msg); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	msgs, err := fs.LoadConversation("42")
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[len(msgs)-1]
	if got.Role != msg.Role || got.RoleName != msg.RoleName ||
		got.DisplayName != msg.DisplayName || got.Content != msg.Content ||
		!got.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestFileStoreEmptyChat(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	msgs, err := fs.LoadConversation("missing")
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty conversation, got %d messages", len(msgs))
	}
}

func TestFileStoreTruncation(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for i, content := range []string{"a", "b", "c", "d", "e"} {
		msg := session.UserMessage(content, time.Unix(int64(i), 0))
		if err := fs.AddMessage("chat", msg); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}
	msgs, err := fs.LoadConversation("chat")
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected log bounded to 3, got %d", len(msgs))
	}
	if msgs[0].Content != "c" || msgs[2].Content != "e" {
		t.Fatalf("expected oldest entries dropped, got %q..%q", msgs[0].Content, msgs[2].Content)
	}
}

func TestFileStoreClearAndList(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for _, chat := range []string{"1", "2"} {
		if err := fs.AddMessage(chat, session.UserMessage("hi", time.Now())); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
	chats, err := fs.ListChats()
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %v", chats)
	}

	if err := fs.ClearConversation("1"); err != nil {
		t.Fatalf("ClearConversation: %v", err)
	}
	if err := fs.ClearConversation("1"); err != nil {
		t.Fatalf("ClearConversation should be idempotent: %v", err)
	}
	chats, _ = fs.ListChats()
	if len(chats) != 1 || chats[0] != "2" {
		t.Fatalf("expected only chat 2 to remain, got %v", chats)
	}
}

func TestSanitizeChatID(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.AddMessage("../evil/../../path", session.UserMessage("hi", time.Now())); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	chats, err := fs.ListChats()
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 1 {
		t.Fatalf("expected 1 chat file inside the storage dir, got %v", chats)
	}
}
