package planner

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient adapts anthropic-sdk-go to the planner's Client
// interface with a single non-streaming Messages.New call, since the
// planner only ever needs one complete JSON response per prompt.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	maxTok  int64
}

// NewAnthropicClient builds a Client calling modelID via apiKey.
func NewAnthropicClient(apiKey, modelID string, maxTokens int64) *AnthropicClient {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  modelID,
		maxTok: maxTokens,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTok,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("planner: anthropic call: %w", err)
	}

	var out string
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			out += text.Text
		}
	}
	if out == "" {
		return "", fmt.Errorf("planner: anthropic response had no text content")
	}
	return out, nil
}
