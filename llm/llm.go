// Package llm defines the text-completion boundary used by the workflow.
//
// Every structured output (JSON facts, intent objects, merge results) is
// parsed defensively on the caller's side; the Completer contract is nothing
// more than prompt in, text out.
package llm

import "context"

// Completer produces a text completion for a prompt.
//
// Implementations: anthropic.Client (Claude), openai.Client (OpenAI-compatible
// endpoints), and CompleterFunc for tests.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
