package connector

import (
	"context"
	"os/exec"
	"syscall"
	"time"
)

// Connector is the contract every protocol variant implements. A connector
// owns at most one agent backend (a subprocess or an API client) and is used
// by exactly one (chat, role) pair at a time.
type Connector interface {
	// Launch starts the backend and performs the variant-specific handshake.
	// For long-lived variants this primes the agent with the system prompt.
	Launch(ctx context.Context, systemPrompt string) error

	// Execute sends one conversational delta and blocks until a complete
	// response has been assembled.
	Execute(ctx context.Context, prompt string) (string, error)

	// CheckAvailability is a quick probe that the underlying binary or
	// credentials exist. It never touches a live session.
	CheckAvailability() bool

	// Alive reports whether the backend can still serve turns.
	Alive() bool

	// Shutdown terminates the backend. Idempotent; safe on a dead process.
	Shutdown()
}

// terminationGrace is how long a subprocess gets to exit after SIGTERM
// before it is killed.
const terminationGrace = 5 * time.Second

// terminate asks a running process to exit and kills it if it does not.
// done must be closed when the process has been reaped.
func terminate(cmd *exec.Cmd, done <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(terminationGrace):
		_ = cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// probeBinary runs a short availability check against a binary, typically
// "--version". A non-zero exit still counts as available as long as the
// binary could be found and executed.
func probeBinary(command string, arg string) bool {
	if _, err := exec.LookPath(command); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := exec.CommandContext(ctx, command, arg).Run()
	if err == nil {
		return true
	}
	if _, ok := err.(*exec.ExitError); ok {
		return true
	}
	return false
}
