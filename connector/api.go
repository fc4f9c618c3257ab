package connector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
)

// APIConnector serves turns through a hosted model instead of a subprocess.
// It keeps its own running history so the model sees the same accumulating
// context a long-lived subprocess would.
type APIConnector struct {
	provider string
	model    string
	logger   *slog.Logger

	mu           sync.Mutex
	client       llm.Client
	systemPrompt string
	history      []llm.Message
	alive        bool
}

// NewAPIConnector creates a connector backed by the given provider and
// model. The client itself is built on Launch so credential problems
// surface at the same point subprocess spawn failures would.
func NewAPIConnector(provider, model string, logger *slog.Logger) *APIConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIConnector{provider: provider, model: model, logger: logger}
}

// NewAPIConnectorWithClient creates a connector around an existing client.
// Used by tests to supply a mock.
func NewAPIConnectorWithClient(client llm.Client, logger *slog.Logger) *APIConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIConnector{client: client, logger: logger}
}

// Launch builds the provider client and records the system prompt.
func (a *APIConnector) Launch(ctx context.Context, systemPrompt string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		client, err := llm.NewClient(ctx, a.provider, a.model)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s client", a.provider)
		}
		a.client = client
	}
	a.systemPrompt = systemPrompt
	a.alive = true
	return nil
}

// Execute appends the prompt to the running history, asks the model, and
// appends the reply before returning it.
func (a *APIConnector) Execute(ctx context.Context, prompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.alive {
		return "", errors.NewKind(errors.KindConnector, "connector has been shut down")
	}

	a.history = append(a.history, llm.Message{Role: "user", Content: prompt})
	reply, err := a.client.Chat(ctx, a.systemPrompt, a.history)
	if err != nil {
		// Keep history consistent with what the model has actually seen.
		a.history = a.history[:len(a.history)-1]
		return "", errors.WrapKind(errors.KindConnector, err, "model request failed")
	}
	a.history = append(a.history, llm.Message{Role: "assistant", Content: reply})
	return reply, nil
}

// CheckAvailability reports whether the provider is known and its
// credentials appear to be present. Full verification happens on Launch.
func (a *APIConnector) CheckAvailability() bool {
	if a.client != nil {
		return true
	}
	return llm.CredentialAvailable(a.provider)
}

// Alive reports whether the connector can still serve turns.
func (a *APIConnector) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

// Shutdown drops the history and marks the connector dead. Idempotent.
func (a *APIConnector) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alive = false
	a.history = nil
}
