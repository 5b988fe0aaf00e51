package llm

import "context"

// Prompt is one question put to a language model.
type Prompt struct {
	TraceID   string
	System    string
	Text      string
	MaxTokens int
}

// Completer returns a model's whole answer to a prompt.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}
