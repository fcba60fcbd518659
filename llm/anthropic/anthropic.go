// Package anthropic implements the llm.Completer interface on top of the
// Claude Messages API.
package anthropic

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-sonnet-4-20250514"

// Config configures the Claude-backed completer.
type Config struct {
	// Model is the Claude model to use. Defaults to DefaultModel.
	Model string

	// MaxTokens is the maximum response tokens. Defaults to 1024; the
	// workflow's prompts expect short structured answers.
	MaxTokens int64

	// Timeout bounds each API call. Defaults to 30s. A timed-out call is
	// reported as an error and handled by the caller's fallback path.
	Timeout time.Duration
}

// Client wraps an anthropic.Client as a single-shot completer.
type Client struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// New creates a Claude completer.
func New(client *anthropic.Client, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

// Complete sends the prompt as a single user message and concatenates the
// text blocks of the response.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
