package llm

import (
	"context"
	"encoding/json"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/parley/errors"
)

// BedrockClient invokes Anthropic models hosted on AWS Bedrock. Credentials
// and region are resolved through the default AWS credential chain.
type BedrockClient struct {
	client *bedrockruntime.Client
	model  string
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewBedrockClient creates a new BedrockClient using the default AWS config
// chain (environment, shared credentials, instance profile).
func NewBedrockClient(ctx context.Context, modelName string) (*BedrockClient, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.WrapKind(errors.KindConfiguration, err, "failed to load AWS config")
	}
	return &BedrockClient{
		client: bedrockruntime.NewFromConfig(cfg),
		model:  modelName,
	}, nil
}

// Chat sends one chat request to Bedrock and returns the response text.
func (b *BedrockClient) Chat(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	req := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
		System:           systemPrompt,
	}
	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		req.Messages = append(req.Messages, bedrockMessage{Role: role, Content: msg.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to marshal Bedrock request")
	}

	contentType := "application/json"
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &b.model,
		ContentType: &contentType,
		Accept:      &contentType,
		Body:        body,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
