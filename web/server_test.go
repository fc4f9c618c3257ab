package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/m4xw311/parley/dialogue"
	"github.com/m4xw311/parley/errors"
)

type fakeCore struct {
	responses []dialogue.Response
	resets    []string
}

func (f *fakeCore) HandleMessage(ctx context.Context, chatID, text string) (<-chan dialogue.Response, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.NewKind(errors.KindValidation, "message is empty")
	}
	out := make(chan dialogue.Response)
	go func() {
		defer close(out)
		for _, resp := range f.responses {
			out <- resp
		}
	}()
	return out, nil
}

func (f *fakeCore) ResetConversation(chatID string) (string, error) {
	f.resets = append(f.resets, chatID)
	return "Conversation cleared.", nil
}

func (f *fakeCore) GetStatus() dialogue.Status {
	return dialogue.Status{
		Roles: []dialogue.RoleStatus{{Name: "critic", DisplayName: "Critic", Connector: "acp"}},
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := NewServer(":0", &fakeCore{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	var st dialogue.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(st.Roles) != 1 || st.Roles[0].Name != "critic" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestResetEndpoint(t *testing.T) {
	core := &fakeCore{}
	s := NewServer(":0", core, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/chats/room7/reset", nil))

	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	if len(core.resets) != 1 || core.resets[0] != "room7" {
		t.Errorf("reset not forwarded, got %v", core.resets)
	}
}

func TestMessageEndpointStreamsNDJSON(t *testing.T) {
	core := &fakeCore{responses: []dialogue.Response{
		{RoleName: "author", DisplayName: "Author", Text: "draft ready"},
		{RoleName: "critic", Text: "[error] agent exited", IsError: true},
	}}
	s := NewServer(":0", core, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/chats/room7/message", strings.NewReader(`{"text":"go"}`))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type %q", ct)
	}

	var lines []streamedResponse
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var line streamedResponse
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Role != "author" || lines[0].Text != "draft ready" {
		t.Errorf("unexpected first line %+v", lines[0])
	}
	if !lines[1].IsError {
		t.Error("error flag lost in stream")
	}
}

func TestMessageEndpointRejectsInvalidInput(t *testing.T) {
	s := NewServer(":0", &fakeCore{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/chats/room7/message", strings.NewReader(`{"text":"  "}`)))
	if rec.Code != 400 {
		t.Errorf("validation error should map to 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/chats/room7/message", strings.NewReader(`not json`)))
	if rec.Code != 400 {
		t.Errorf("malformed body should map to 400, got %d", rec.Code)
	}
}
