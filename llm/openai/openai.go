// Package openai implements the llm.Completer interface for OpenAI-compatible
// chat completion endpoints.
package openai

import (
	"context"
	"fmt"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// Config configures the OpenAI-backed completer.
type Config struct {
	// Model is the chat model to use. Defaults to DefaultModel.
	Model string

	// Temperature for sampling. Low by default: the workflow's prompts ask
	// for structured output.
	Temperature float32

	// Timeout bounds each API call. Defaults to 30s.
	Timeout time.Duration
}

// Client wraps a go-openai client as a single-shot completer.
type Client struct {
	client      *goopenai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

// New creates an OpenAI completer.
func New(client *goopenai.Client, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}
}

// Complete sends the prompt as a single user message and returns the first
// choice's content.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai API returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
