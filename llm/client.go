// Package llm provides hosted-model clients for API-backed agent roles.
package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/m4xw311/parley/errors"
)

// Message is one turn of a hosted-model conversation.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Client is the interface for interacting with a hosted Large Language Model.
type Client interface {
	Chat(ctx context.Context, systemPrompt string, messages []Message) (string, error)
}

// NewClient builds a client for the given provider.
func NewClient(ctx context.Context, provider, model string) (Client, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicClient(ctx, model)
	case "openai":
		return NewOpenAIClient(ctx, model)
	case "gemini":
		return NewGeminiClient(ctx, model)
	case "bedrock":
		return NewBedrockClient(ctx, model)
	default:
		return nil, errors.NewKind(errors.KindConfiguration, "unknown llm provider %q", provider)
	}
}

// Providers lists the supported provider names.
func Providers() []string {
	return []string{"anthropic", "openai", "gemini", "bedrock"}
}

// CredentialAvailable reports whether the provider's credentials appear to be
// present. Bedrock resolves credentials through the AWS chain, which cannot be
// checked by a single variable, so it always reports true.
func CredentialAvailable(provider string) bool {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY") != ""
	case "openai":
		return os.Getenv("OPENAI_API_KEY") != ""
	case "gemini":
		return os.Getenv("GEMINI_API_KEY") != ""
	case "bedrock":
		return true
	default:
		return false
	}
}

// MockClient is a canned-response client for testing.
type MockClient struct {
	// Responses are returned in order; after they run out, the client
	// parrots the last user message.
	Responses []string
	// Calls records every (system, messages) pair the client saw.
	Calls []MockCall
	// Err, if set, is returned from every Chat call.
	Err error
}

// MockCall is one recorded Chat invocation.
type MockCall struct {
	SystemPrompt string
	Messages     []Message
}

func (m *MockClient) Chat(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	m.Calls = append(m.Calls, MockCall{SystemPrompt: systemPrompt, Messages: messages})
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) > 0 {
		resp := m.Responses[0]
		m.Responses = m.Responses[1:]
		return resp, nil
	}
	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	return fmt.Sprintf("mock reply to: %s", last), nil
}
