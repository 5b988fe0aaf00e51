package llm

import (
	"context"
	"time"
)

type mockCompleter struct {
	answer string
}

// NewMockCompleter always gives answer after a short delay. An empty answer
// becomes "1", which a ranker reads as the first candidate.
func NewMockCompleter(answer string) Completer {
	if answer == "" {
		answer = "1"
	}
	return &mockCompleter{answer: answer}
}

func (m *mockCompleter) Complete(ctx context.Context, _ Prompt) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return m.answer, nil
}
