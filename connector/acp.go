package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/parley/errors"
)

const acpProtocolVersion = 1

// defaultTurnTimeout bounds how long Execute waits without receiving any
// message from the agent. The deadline resets on every received message so a
// slow-but-progressing stream is never killed.
const defaultTurnTimeout = 30 * time.Second

// ---- JSON-RPC wire types ----

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type sessionUpdateParams struct {
	SessionID string `json:"sessionId"`
	Update    struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"update"`
}

type permissionParams struct {
	Options []struct {
		OptionID string `json:"optionId"`
	} `json:"options"`
}

// ---- rpcClient ----

// rpcClient speaks newline-delimited JSON-RPC 2.0 over a reader/writer pair.
// A single reader goroutine feeds the incoming channel; call() consumes it
// while a request is pending and routes inbound agent requests and
// notifications as they arrive.
type rpcClient struct {
	writeMu  sync.Mutex
	writer   io.Writer
	incoming chan rpcMessage
	stopped  chan struct{}
	stopOnce sync.Once
	nextID   atomic.Int64
	logger   *slog.Logger
}

func newRPCClient(w io.Writer, logger *slog.Logger) *rpcClient {
	return &rpcClient{
		writer:   w,
		incoming: make(chan rpcMessage, 16),
		stopped:  make(chan struct{}),
		logger:   logger,
	}
}

// stop unblocks the read loop. Once no call is draining the incoming
// channel a chatty agent would otherwise wedge readLoop on its send,
// keeping the process from ever being reaped.
func (c *rpcClient) stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// readLoop reads newline-delimited JSON-RPC messages until EOF or stop and
// feeds them to the incoming channel. Malformed lines are logged and
// skipped.
func (c *rpcClient) readLoop(r io.Reader) {
	defer close(c.incoming)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("acp: discarding malformed message", "error", err)
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.stopped:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("acp: read loop ended", "error", err)
	}
}

func (c *rpcClient) writeJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return errors.WrapKind(errors.KindConnector, err, "failed to write to agent stdin")
	}
	return nil
}

func (c *rpcClient) notify(method string, params any) error {
	return c.writeJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (c *rpcClient) respond(id any, result any) error {
	return c.writeJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func (c *rpcClient) respondError(id any, code int, message string) error {
	return c.writeJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   rpcError{Code: code, Message: message},
	})
}

// call sends one request and waits for the matching response. While waiting
// it routes the two other message shapes the agent may produce: inbound
// requests (answered synchronously without leaving the wait) and
// notifications (forwarded to onUpdate when it is a session/update). The
// timeout resets on every received message.
func (c *rpcClient) call(ctx context.Context, method string, params any, timeout time.Duration, onUpdate func(sessionUpdateParams)) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	if err := c.writeJSON(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.WrapKind(errors.KindConnector, ctx.Err(), "%s aborted", method)
		case <-timer.C:
			return nil, errors.NewKind(errors.KindTimeout, "no response to %s from agent within %s", method, timeout)
		case msg, ok := <-c.incoming:
			if !ok {
				return nil, errors.NewKind(errors.KindConnector, "agent closed its output stream while %s was pending", method)
			}
			timer.Reset(timeout)

			if idMatches(msg.ID, id) {
				if msg.Error != nil {
					return nil, errors.NewKind(errors.KindConnector, "agent returned JSON-RPC error %d: %s", msg.Error.Code, msg.Error.Message)
				}
				return msg.Result, nil
			}

			switch {
			case msg.Method != "" && msg.ID != nil:
				c.handleInbound(msg)
			case msg.Method != "":
				if msg.Method == "session/update" && onUpdate != nil {
					var u sessionUpdateParams
					if err := json.Unmarshal(msg.Params, &u); err != nil {
						c.logger.Warn("acp: malformed session/update", "error", err)
						continue
					}
					onUpdate(u)
				}
			default:
				// A response for a request we no longer track, e.g. after
				// a previous timeout. Drop it.
				c.logger.Debug("acp: dropping stale response", "id", msg.ID)
			}
		}
	}
}

// handleInbound answers an agent-initiated request. Permission requests
// auto-select the first offered option, or report a cancelled outcome when
// none are offered. Anything else gets a method-not-found error.
func (c *rpcClient) handleInbound(msg rpcMessage) {
	switch msg.Method {
	case "session/request_permission":
		var p permissionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || len(p.Options) == 0 {
			_ = c.respond(msg.ID, map[string]any{
				"outcome": map[string]any{"outcome": "cancelled"},
			})
			return
		}
		c.logger.Debug("acp: auto-approving permission request", "optionId", p.Options[0].OptionID)
		_ = c.respond(msg.ID, map[string]any{
			"outcome": map[string]any{
				"outcome":  "selected",
				"optionId": p.Options[0].OptionID,
			},
		})
	default:
		_ = c.respondError(msg.ID, -32601, "Method not found")
	}
}

// idMatches compares a decoded JSON-RPC id against the integer id of the
// pending request. JSON numbers decode as float64.
func idMatches(got any, want int64) bool {
	switch v := got.(type) {
	case float64:
		return int64(v) == want
	case int64:
		return v == want
	default:
		return false
	}
}

// ---- AcpConnector ----

// AcpConnector drives one long-lived subprocess over the Agent Client
// Protocol. The subprocess is spawned on Launch and lives until Shutdown or
// until it exits on its own.
type AcpConnector struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	client    *rpcClient
	sessionID string
	alive     atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
}

// NewAcpConnector creates a connector for the given agent command. A zero
// timeout uses the default.
func NewAcpConnector(command string, args []string, timeout time.Duration, logger *slog.Logger) *AcpConnector {
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AcpConnector{
		command: command,
		args:    args,
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Launch spawns the subprocess and runs the handshake: initialize, then
// session/new, then a priming session/prompt carrying the system prompt.
func (a *AcpConnector) Launch(ctx context.Context, systemPrompt string) error {
	a.cmd = exec.Command(a.command, a.args...)
	a.cmd.Env = os.Environ()

	stdin, err := a.cmd.StdinPipe()
	if err != nil {
		return errors.WrapKind(errors.KindConnector, err, "failed to create stdin pipe")
	}
	stdout, err := a.cmd.StdoutPipe()
	if err != nil {
		return errors.WrapKind(errors.KindConnector, err, "failed to create stdout pipe")
	}
	stderr, err := a.cmd.StderrPipe()
	if err != nil {
		return errors.WrapKind(errors.KindConnector, err, "failed to create stderr pipe")
	}

	if err := a.cmd.Start(); err != nil {
		return errors.WrapKind(errors.KindConnector, err, "failed to start agent process %q", a.command)
	}
	a.logger.Info("acp: agent process started", "command", a.command, "pid", a.cmd.Process.Pid)

	a.stdin = stdin
	a.client = newRPCClient(stdin, a.logger)
	a.alive.Store(true)

	go a.drainStderr(stderr)
	go func() {
		a.client.readLoop(stdout)
		_ = a.cmd.Wait()
		a.alive.Store(false)
		close(a.done)
	}()

	if err := a.handshake(ctx, systemPrompt); err != nil {
		a.Shutdown()
		return err
	}
	return nil
}

func (a *AcpConnector) handshake(ctx context.Context, systemPrompt string) error {
	initParams := map[string]any{
		"protocolVersion": acpProtocolVersion,
		"clientCapabilities": map[string]any{
			"fs": map[string]any{
				"readTextFile":  false,
				"writeTextFile": false,
			},
		},
	}
	if _, err := a.client.call(ctx, "initialize", initParams, a.timeout, nil); err != nil {
		return errors.Wrapf(err, "initialize handshake failed")
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	result, err := a.client.call(ctx, "session/new", map[string]any{
		"cwd":        cwd,
		"mcpServers": []any{},
	}, a.timeout, nil)
	if err != nil {
		return errors.Wrapf(err, "session/new failed")
	}
	var sess struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &sess); err != nil || sess.SessionID == "" {
		return errors.NewKind(errors.KindConnector, "session/new returned no session id")
	}
	a.sessionID = sess.SessionID
	a.logger.Debug("acp: session established", "sessionId", a.sessionID)

	if systemPrompt != "" {
		if _, err := a.prompt(ctx, systemPrompt); err != nil {
			return errors.Wrapf(err, "system prompt priming failed")
		}
	}
	return nil
}

// Execute sends one conversational delta and returns the concatenated
// agent_message_chunk / agent_thought_chunk text, in arrival order.
func (a *AcpConnector) Execute(ctx context.Context, prompt string) (string, error) {
	if !a.alive.Load() {
		return "", errors.NewKind(errors.KindConnector, "agent process is not running")
	}
	return a.prompt(ctx, prompt)
}

func (a *AcpConnector) prompt(ctx context.Context, text string) (string, error) {
	var sb strings.Builder
	onUpdate := func(u sessionUpdateParams) {
		if u.SessionID != a.sessionID {
			return
		}
		switch u.Update.SessionUpdate {
		case "agent_message_chunk", "agent_thought_chunk":
			sb.WriteString(u.Update.Content.Text)
		}
	}
	params := map[string]any{
		"sessionId": a.sessionID,
		"prompt":    []contentBlock{{Type: "text", Text: text}},
	}
	if _, err := a.client.call(ctx, "session/prompt", params, a.timeout, onUpdate); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// CheckAvailability probes that the agent binary exists and responds to
// --version.
func (a *AcpConnector) CheckAvailability() bool {
	return probeBinary(a.command, "--version")
}

// Alive reports whether the subprocess is still running.
func (a *AcpConnector) Alive() bool {
	return a.alive.Load()
}

// Shutdown cancels the session (best effort) and terminates the subprocess,
// SIGTERM first, SIGKILL after the grace period.
func (a *AcpConnector) Shutdown() {
	a.stopOnce.Do(func() {
		if a.cmd == nil {
			return
		}
		if a.alive.Load() && a.sessionID != "" {
			_ = a.client.notify("session/cancel", map[string]any{"sessionId": a.sessionID})
		}
		if a.stdin != nil {
			_ = a.stdin.Close()
		}
		// Unblock the read loop so cmd.Wait can reap the process even
		// when nobody is draining the incoming channel.
		a.client.stop()
		terminate(a.cmd, a.done)
		a.alive.Store(false)
		a.logger.Info("acp: agent process stopped", "command", a.command)
	})
}

func (a *AcpConnector) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		a.logger.Debug("acp: agent stderr", "line", scanner.Text())
	}
}
