package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOllamaModel = "llama3.2:latest"

type ollamaCompleter struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaCompleter asks a local Ollama server for single, unstreamed
// answers at temperature zero so equal prompts rank equally.
func NewOllamaCompleter(endpoint, model string) Completer {
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaCompleter{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   http.DefaultClient,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (c *ollamaCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:   c.model,
		Prompt:  p.Text,
		System:  p.System,
		Options: ollamaOptions{NumPredict: p.MaxTokens},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama answer: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Response, nil
}
