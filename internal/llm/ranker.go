package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// ErrUnparseableRanking is returned when the model answer names no
// candidate.
var ErrUnparseableRanking = errors.New("ranker answer names no candidate")

// RankRequest asks which transcript most plausibly carries a value of the
// given type.
type RankRequest struct {
	TraceID    string
	ValueType  string
	Locale     string
	Candidates []string
	Timeout    time.Duration
}

type RankResult struct {
	Index int
}

// Ranker is the secondary ranking capability used when recognizers disagree.
type Ranker interface {
	Rank(ctx context.Context, req RankRequest) (RankResult, error)
}

const rankSystem = "You pick the transcript that most plausibly contains the requested value. Answer with the candidate number only."

var answerNumber = regexp.MustCompile(`\d+`)

type modelRanker struct {
	model Completer
}

// NewModelRanker ranks candidates by prompting a language model.
func NewModelRanker(model Completer) Ranker {
	return &modelRanker{model: model}
}

// NewRanker builds the ranker described by cfg, or nil when ranking is off.
func NewRanker(cfg config.RankingConfig) (Ranker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "mock":
		return NewModelRanker(NewMockCompleter("")), nil
	case "ollama":
		return NewModelRanker(NewOllamaCompleter(cfg.Endpoint, cfg.Model)), nil
	case "exec":
		model, err := NewExecCompleter(cfg.Command)
		if err != nil {
			return nil, err
		}
		return NewModelRanker(model), nil
	default:
		return nil, fmt.Errorf("unsupported ranking mode %q", cfg.Mode)
	}
}

func (r *modelRanker) Rank(ctx context.Context, req RankRequest) (RankResult, error) {
	if len(req.Candidates) == 0 {
		return RankResult{}, ErrUnparseableRanking
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	answer, err := r.model.Complete(ctx, Prompt{
		TraceID:   req.TraceID,
		System:    rankSystem,
		Text:      rankPrompt(req),
		MaxTokens: 8,
	})
	if err != nil {
		return RankResult{}, err
	}
	return parseRanking(answer, len(req.Candidates))
}

func rankPrompt(req RankRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Value type: %s\nLocale: %s\nCandidates:\n", req.ValueType, req.Locale)
	for i, c := range req.Candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	b.WriteString("Best candidate number:")
	return b.String()
}

func parseRanking(answer string, n int) (RankResult, error) {
	m := answerNumber.FindString(answer)
	if m == "" {
		return RankResult{}, ErrUnparseableRanking
	}
	pick, err := strconv.Atoi(m)
	if err != nil || pick < 1 || pick > n {
		return RankResult{}, fmt.Errorf("%w: %q", ErrUnparseableRanking, strings.TrimSpace(answer))
	}
	return RankResult{Index: pick - 1}, nil
}
