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

// defaultResumeFlag passes the captured session id back to the CLI on
// subsequent invocations.
const defaultResumeFlag = "--resume"

type cliEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// CliStreamConnector runs one subprocess invocation per turn. Each
// invocation emits newline-delimited JSON events on stdout; the first
// invocation's system event carries a session id, which later invocations
// pass back through the resume flag so the CLI restores its context.
type CliStreamConnector struct {
	command    string
	args       []string
	resumeFlag string
	timeout    time.Duration
	logger     *slog.Logger

	systemPrompt string
	sessionID    string
	alive        atomic.Bool

	mu      sync.Mutex
	current *exec.Cmd
}

// NewCliStreamConnector creates a connector for the given CLI command. An
// empty resumeFlag and zero timeout use the defaults.
func NewCliStreamConnector(command string, args []string, resumeFlag string, timeout time.Duration, logger *slog.Logger) *CliStreamConnector {
	if resumeFlag == "" {
		resumeFlag = defaultResumeFlag
	}
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CliStreamConnector{
		command:    command,
		args:       args,
		resumeFlag: resumeFlag,
		timeout:    timeout,
		logger:     logger,
	}
}

// Launch records the system prompt for the first invocation. No process is
// started here; the CLI variant spawns per turn.
func (c *CliStreamConnector) Launch(ctx context.Context, systemPrompt string) error {
	c.systemPrompt = systemPrompt
	c.alive.Store(true)
	return nil
}

// Execute runs one CLI invocation for the given prompt and assembles the
// response from the streamed events. On the first invocation the system
// prompt is prepended and the session id is captured.
func (c *CliStreamConnector) Execute(ctx context.Context, prompt string) (string, error) {
	if !c.alive.Load() {
		return "", errors.NewKind(errors.KindConnector, "connector has been shut down")
	}

	args := c.buildInvocation(prompt)

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.command, args...)
	cmd.Env = os.Environ()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.WrapKind(errors.KindConnector, err, "failed to create stdout pipe")
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return "", errors.WrapKind(errors.KindConnector, err, "failed to start %q", c.command)
	}
	c.mu.Lock()
	c.current = cmd
	c.mu.Unlock()

	text, streamErr := c.consume(stdout)
	waitErr := cmd.Wait()

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	if streamErr != nil {
		return "", streamErr
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return "", errors.NewKind(errors.KindTimeout, "%q produced no result within %s", c.command, c.timeout)
	}
	if waitErr != nil {
		return "", errors.WrapKind(errors.KindConnector, waitErr, "%q exited with an error", c.command)
	}
	return text, nil
}

// buildInvocation assembles the argument list for one turn. Once a session
// id is known it is passed through the resume flag; before that, the system
// prompt is folded into the first prompt.
func (c *CliStreamConnector) buildInvocation(prompt string) []string {
	args := append([]string(nil), c.args...)
	if c.sessionID != "" {
		args = append(args, c.resumeFlag, c.sessionID)
	} else if c.systemPrompt != "" {
		prompt = c.systemPrompt + "\n\n" + prompt
	}
	return append(args, prompt)
}

// consume reads the event stream and builds the response text. A result
// event with the error flag set aborts with the embedded message.
func (c *CliStreamConnector) consume(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var sb strings.Builder
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev cliEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Warn("cli: discarding malformed event", "error", err)
			continue
		}
		switch ev.Type {
		case "system", "thread.started":
			if c.sessionID == "" {
				if ev.SessionID != "" {
					c.sessionID = ev.SessionID
				} else if ev.ThreadID != "" {
					c.sessionID = ev.ThreadID
				}
				if c.sessionID != "" {
					c.logger.Debug("cli: captured session id", "sessionId", c.sessionID)
				}
			}
		case "assistant", "agent_message":
			if ev.Message == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				if block.Type == "text" {
					sb.WriteString(block.Text)
				}
			}
		case "result":
			if ev.IsError {
				// Drain the rest of the stream so the process is not
				// left blocked on a full pipe when Wait runs.
				for scanner.Scan() {
				}
				return "", errors.NewKind(errors.KindConnector, "agent reported an error: %s", ev.Result)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.WrapKind(errors.KindConnector, err, "failed to read event stream")
	}
	return sb.String(), nil
}

// CheckAvailability probes that the CLI binary exists and responds to
// --version.
func (c *CliStreamConnector) CheckAvailability() bool {
	return probeBinary(c.command, "--version")
}

// Alive reports whether the connector can still serve turns. There is no
// persistent process; the connector is alive from Launch until Shutdown.
func (c *CliStreamConnector) Alive() bool {
	return c.alive.Load()
}

// Shutdown kills any in-flight invocation and marks the connector dead.
func (c *CliStreamConnector) Shutdown() {
	c.alive.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Process != nil {
		_ = c.current.Process.Kill()
	}
}
