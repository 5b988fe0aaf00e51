package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execCompleter runs a local model wrapper per prompt. The prompt is written
// to stdin as JSON; stdout is either {"content": "..."} or plain text.
type execCompleter struct {
	argv []string
}

type execPrompt struct {
	TraceID   string `json:"trace_id,omitempty"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type execAnswer struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

func NewExecCompleter(command string) (Completer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ranker command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("ranker command empty")
	}
	return &execCompleter{argv: argv}, nil
}

func (c *execCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	input, err := json.Marshal(execPrompt{
		TraceID:   p.TraceID,
		System:    p.System,
		Prompt:    p.Text,
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ranker command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return string(trimmed), nil
	}
	var ans execAnswer
	if err := json.Unmarshal(trimmed, &ans); err != nil {
		return "", fmt.Errorf("decode ranker answer: %w", err)
	}
	if ans.Error != "" {
		return "", fmt.Errorf("ranker command: %s", ans.Error)
	}
	return ans.Content, nil
}
