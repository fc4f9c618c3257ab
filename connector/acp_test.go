package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/parley/errors"
)

// fakeAgent scripts the remote side of the JSON-RPC conversation over a
// pair of in-memory pipes.
type fakeAgent struct {
	t      *testing.T
	in     *bufio.Scanner // what the client wrote
	out    *io.PipeWriter // feeds the client's read loop
	client *rpcClient
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	clientReads, agentWrites := io.Pipe()
	agentReads, clientWrites := io.Pipe()

	client := newRPCClient(clientWrites, slog.Default())
	go client.readLoop(clientReads)

	t.Cleanup(func() {
		agentWrites.Close()
		clientWrites.Close()
	})

	return &fakeAgent{
		t:      t,
		in:     bufio.NewScanner(agentReads),
		out:    agentWrites,
		client: client,
	}
}

func (f *fakeAgent) read() rpcMessage {
	f.t.Helper()
	if !f.in.Scan() {
		f.t.Fatalf("fake agent: no message from client: %v", f.in.Err())
	}
	var msg rpcMessage
	if err := json.Unmarshal(f.in.Bytes(), &msg); err != nil {
		f.t.Fatalf("fake agent: malformed message %q: %v", f.in.Text(), err)
	}
	return msg
}

func (f *fakeAgent) send(obj any) {
	f.t.Helper()
	data, err := json.Marshal(obj)
	if err != nil {
		f.t.Fatalf("fake agent: marshal: %v", err)
	}
	if _, err := f.out.Write(append(data, '\n')); err != nil {
		f.t.Fatalf("fake agent: write: %v", err)
	}
}

func (f *fakeAgent) respond(id any, result any) {
	f.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (f *fakeAgent) chunk(sessionID, updateType, text string) {
	f.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params": map[string]any{
			"sessionId": sessionID,
			"update": map[string]any{
				"sessionUpdate": updateType,
				"content":       map[string]any{"type": "text", "text": text},
			},
		},
	})
}

func TestCallMatchesResponseByID(t *testing.T) {
	agent := newFakeAgent(t)

	go func() {
		req := agent.read()
		if req.Method != "initialize" {
			agent.t.Errorf("expected initialize, got %s", req.Method)
		}
		agent.respond(req.ID, map[string]any{"protocolVersion": 1})
	}()

	result, err := agent.client.call(context.Background(), "initialize", map[string]any{}, time.Second, nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var res struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("bad result: %v", err)
	}
	if res.ProtocolVersion != 1 {
		t.Errorf("expected protocol version 1, got %d", res.ProtocolVersion)
	}
}

func TestCallAccumulatesChunksInArrivalOrder(t *testing.T) {
	agent := newFakeAgent(t)

	go func() {
		req := agent.read()
		agent.chunk("s1", "agent_thought_chunk", "thinking... ")
		agent.chunk("s1", "agent_message_chunk", "Hello")
		agent.chunk("s1", "agent_message_chunk", ", world")
		agent.respond(req.ID, map[string]any{"stopReason": "end_turn"})
	}()

	var got string
	_, err := agent.client.call(context.Background(), "session/prompt", map[string]any{}, time.Second, func(u sessionUpdateParams) {
		got += u.Update.Content.Text
	})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != "thinking... Hello, world" {
		t.Errorf("unexpected accumulated text %q", got)
	}
}

func TestCallAnswersPermissionRequestAndKeepsWaiting(t *testing.T) {
	agent := newFakeAgent(t)

	go func() {
		req := agent.read()

		// Inbound permission request while the prompt is pending.
		agent.send(map[string]any{
			"jsonrpc": "2.0",
			"id":      "perm-1",
			"method":  "session/request_permission",
			"params": map[string]any{
				"options": []map[string]any{
					{"optionId": "allow_once"},
					{"optionId": "reject"},
				},
			},
		})

		perm := agent.read()
		if perm.ID != "perm-1" {
			agent.t.Errorf("permission response has wrong id %v", perm.ID)
		}
		var outcome struct {
			Outcome struct {
				Outcome  string `json:"outcome"`
				OptionID string `json:"optionId"`
			} `json:"outcome"`
		}
		if err := json.Unmarshal(perm.Result, &outcome); err != nil {
			agent.t.Errorf("bad permission response: %v", err)
		}
		if outcome.Outcome.Outcome != "selected" || outcome.Outcome.OptionID != "allow_once" {
			agent.t.Errorf("expected first option selected, got %+v", outcome.Outcome)
		}

		agent.respond(req.ID, map[string]any{"stopReason": "end_turn"})
	}()

	if _, err := agent.client.call(context.Background(), "session/prompt", map[string]any{}, time.Second, nil); err != nil {
		t.Fatalf("call failed: %v", err)
	}
}

func TestCallCancelsPermissionRequestWithoutOptions(t *testing.T) {
	agent := newFakeAgent(t)

	go func() {
		req := agent.read()
		agent.send(map[string]any{
			"jsonrpc": "2.0",
			"id":      7,
			"method":  "session/request_permission",
			"params":  map[string]any{"options": []any{}},
		})

		perm := agent.read()
		var outcome struct {
			Outcome struct {
				Outcome string `json:"outcome"`
			} `json:"outcome"`
		}
		if err := json.Unmarshal(perm.Result, &outcome); err != nil {
			agent.t.Errorf("bad permission response: %v", err)
		}
		if outcome.Outcome.Outcome != "cancelled" {
			agent.t.Errorf("expected cancelled outcome, got %q", outcome.Outcome.Outcome)
		}

		agent.respond(req.ID, map[string]any{"stopReason": "end_turn"})
	}()

	if _, err := agent.client.call(context.Background(), "session/prompt", map[string]any{}, time.Second, nil); err != nil {
		t.Fatalf("call failed: %v", err)
	}
}

func TestCallRejectsUnknownInboundMethodAndKeepsWaiting(t *testing.T) {
	agent := newFakeAgent(t)

	go func() {
		req := agent.read()
		agent.send(map[string]any{
			"jsonrpc": "2.0",
			"id":      "fs-1",
			"method":  "fs/read_text_file",
			"params":  map[string]any{"path": "/etc/passwd"},
		})

		errResp := agent.read()
		if errResp.Error == nil || errResp.Error.Code != -32601 {
			agent.t.Errorf("expected -32601 error response, got %+v", errResp.Error)
		}

		agent.respond(req.ID, map[string]any{"stopReason": "end_turn"})
	}()

	if _, err := agent.client.call(context.Background(), "session/prompt", map[string]any{}, time.Second, nil); err != nil {
		t.Fatalf("call should have survived the unknown inbound method: %v", err)
	}
}

func TestCallTimesOutWithoutProgress(t *testing.T) {
	agent := newFakeAgent(t)

	go func() { agent.read() }() // swallow the request, never answer

	_, err := agent.client.call(context.Background(), "session/prompt", map[string]any{}, 50*time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !errors.IsKind(err, errors.KindTimeout) {
		t.Errorf("expected timeout kind, got %v", err)
	}
}

func TestCallDeadlineResetsOnProgress(t *testing.T) {
	agent := newFakeAgent(t)

	go func() {
		req := agent.read()
		// Keep streaming chunks at intervals shorter than the timeout but
		// over a total span well past it.
		for i := 0; i < 6; i++ {
			time.Sleep(40 * time.Millisecond)
			agent.chunk("s1", "agent_message_chunk", "x")
		}
		agent.respond(req.ID, map[string]any{"stopReason": "end_turn"})
	}()

	_, err := agent.client.call(context.Background(), "session/prompt", map[string]any{}, 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("a progressing stream must not time out: %v", err)
	}
}

func TestCallSurfacesAgentError(t *testing.T) {
	agent := newFakeAgent(t)

	go func() {
		req := agent.read()
		agent.send(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32603, "message": "internal failure"},
		})
	}()

	_, err := agent.client.call(context.Background(), "session/prompt", map[string]any{}, time.Second, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsKind(err, errors.KindConnector) {
		t.Errorf("expected connector kind, got %v", err)
	}
}

func TestCallFailsWhenAgentClosesStream(t *testing.T) {
	agent := newFakeAgent(t)

	go func() {
		agent.read()
		agent.out.Close()
	}()

	_, err := agent.client.call(context.Background(), "session/prompt", map[string]any{}, time.Second, nil)
	if err == nil {
		t.Fatal("expected error after EOF")
	}
	if !errors.IsKind(err, errors.KindConnector) {
		t.Errorf("expected connector kind, got %v", err)
	}
}

func TestReadLoopExitsOnStopWithUndrainedBacklog(t *testing.T) {
	// More notifications than the incoming buffer holds, with no call
	// draining them: the read loop stalls on its channel send.
	var in strings.Builder
	for i := 0; i < 40; i++ {
		in.WriteString(`{"jsonrpc":"2.0","method":"session/update","params":{}}` + "\n")
	}

	c := newRPCClient(io.Discard, slog.Default())
	done := make(chan struct{})
	go func() {
		c.readLoop(strings.NewReader(in.String()))
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	c.stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit while incoming was undrained")
	}
	// The channel must still be closed so a pending call errors out.
	for range c.incoming {
	}
}
