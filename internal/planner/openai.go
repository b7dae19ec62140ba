package planner

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient adapts go-openai to the planner's Client interface with a
// single non-streaming ChatCompletion call, since the planner needs
// exactly one JSON response per prompt.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a Client calling modelID via apiKey.
func NewOpenAIClient(apiKey, modelID string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  modelID,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("planner: openai call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("planner: openai response had no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
