// Package consensus fans one utterance out to every configured recognizer,
// groups the transcripts that agree, and reports a single winner with a
// confidence recalibrated from inter-provider agreement.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/llm"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

var (
	// ErrNoCandidates means no provider produced a transcript in time.
	ErrNoCandidates = errors.New("no_candidates")
	// ErrProvidersUnavailable means no provider is configured or every
	// provider failed outright.
	ErrProvidersUnavailable = errors.New("recognition providers unavailable")
)

// Provider is a named recognizer.
type Provider struct {
	Name       string
	Recognizer stt.Recognizer
}

type Request struct {
	TraceID   string
	Primitive capture.Primitive
	Locale    language.Tag
	Utterance stt.Utterance
}

// Result is the outcome of one consensus round. Only the winning transcript
// leaves the coordinator.
type Result struct {
	Text       string
	Confidence float64
	Provider   string
	Agreement  float64
	Responded  int
	Configured int
	Ranked     bool
}

type Options struct {
	Recognition config.RecognitionConfig
	Ranking     config.RankingConfig
	Providers   []Provider
	Ranker      llm.Ranker
	Logger      *slog.Logger
	Meter       metric.Meter
}

type Coordinator struct {
	providers []Provider
	pool      *semaphore.Weighted
	timeout   time.Duration
	floor     float64
	cap       float64

	ranker      llm.Ranker
	limiter     *rate.Limiter
	rankTimeout time.Duration
	margin      float64

	logger       *slog.Logger
	latency      metric.Float64Histogram
	noCandidates metric.Int64Counter
	rankings     metric.Int64Counter
}

func New(opts Options) (*Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-capture/internal/consensus")
	}
	concurrency := opts.Recognition.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	c := &Coordinator{
		providers:   opts.Providers,
		pool:        semaphore.NewWeighted(int64(concurrency)),
		timeout:     time.Duration(opts.Recognition.TimeoutMS) * time.Millisecond,
		floor:       opts.Recognition.FullAgreementFloor,
		cap:         opts.Recognition.PartialAgreementCap,
		ranker:      opts.Ranker,
		rankTimeout: time.Duration(opts.Ranking.TimeoutMS) * time.Millisecond,
		margin:      opts.Ranking.DisagreementMargin,
		logger:      logger.With(slog.String("component", "consensus")),
	}
	if c.ranker != nil {
		c.limiter = rate.NewLimiter(rate.Limit(opts.Ranking.RatePerSecond), max(opts.Ranking.Burst, 1))
	}

	var err error
	if c.latency, err = meter.Float64Histogram("capture.recognition.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of a recognition consensus round")); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	if c.noCandidates, err = meter.Int64Counter("capture.recognition.no_candidates",
		metric.WithDescription("Rounds that ended without any transcript")); err != nil {
		return nil, fmt.Errorf("create no-candidates counter: %w", err)
	}
	if c.rankings, err = meter.Int64Counter("capture.recognition.rankings",
		metric.WithDescription("Secondary ranking calls by outcome")); err != nil {
		return nil, fmt.Errorf("create rankings counter: %w", err)
	}
	return c, nil
}

type response struct {
	index  int
	result stt.TranscriptResult
	err    error
}

// Recognize runs one consensus round. It returns ErrNoCandidates,
// ErrProvidersUnavailable, or the caller's context error when the turn was
// cancelled.
func (c *Coordinator) Recognize(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if len(c.providers) == 0 {
		return Result{}, ErrProvidersUnavailable
	}

	roundCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	responses := make(chan response, len(c.providers))
	for i, p := range c.providers {
		go func(i int, p Provider) {
			if err := c.pool.Acquire(roundCtx, 1); err != nil {
				responses <- response{index: i, err: err}
				return
			}
			defer c.pool.Release(1)
			res, err := p.Recognizer.Transcribe(roundCtx, stt.Request{
				TraceID:   req.TraceID,
				Locale:    req.Locale.String(),
				Utterance: req.Utterance,
				Timeout:   time.Until(deadlineOf(roundCtx)),
			})
			responses <- response{index: i, result: res, err: err}
		}(i, p)
	}

	collected := make([]response, 0, len(c.providers))
	timedOut := 0
collect:
	for len(collected)+timedOut < len(c.providers) {
		select {
		case r := <-responses:
			collected = append(collected, r)
		case <-roundCtx.Done():
			timedOut = len(c.providers) - len(collected)
			break collect
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var candidates []candidate
	failed := 0
	for _, r := range collected {
		switch {
		case r.err != nil && isTimeout(r.err):
			timedOut++
		case r.err != nil:
			failed++
			c.logger.Warn("recognizer failed",
				slog.String("trace_id", req.TraceID),
				slog.String("provider", c.providers[r.index].Name),
				slogError(r.err))
		case strings.TrimSpace(r.result.Text) != "":
			candidates = append(candidates, c.score(req, r))
		}
	}

	attrs := metric.WithAttributes(attribute.Int("responded", len(candidates)))
	c.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)

	if len(candidates) == 0 {
		if failed == len(c.providers) {
			return Result{}, ErrProvidersUnavailable
		}
		c.noCandidates.Add(ctx, 1)
		return Result{}, ErrNoCandidates
	}

	groups := group(candidates)
	winner, ranked := c.rank(ctx, req, groups)
	res := c.recalibrate(winner, len(candidates))
	res.Ranked = ranked
	c.logger.Debug("recognition consensus",
		slog.String("trace_id", req.TraceID),
		slog.String("provider", res.Provider),
		slog.Float64("confidence", res.Confidence),
		slog.Float64("agreement", res.Agreement),
		slog.Int("responded", res.Responded),
		slog.Bool("ranked", ranked))
	return res, nil
}

// rank picks the best group, asking the ranker when the top two are close.
func (c *Coordinator) rank(ctx context.Context, req Request, groups []*agreementGroup) (*agreementGroup, bool) {
	if c.ranker == nil || len(groups) < 2 || groups[0].score-groups[1].score >= c.margin {
		return groups[0], false
	}
	if !c.limiter.Allow() {
		c.rankings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rate_limited")))
		return groups[0], false
	}
	texts := make([]string, len(groups))
	for i, g := range groups {
		texts[i] = g.best().text
	}
	valueType := ""
	if req.Primitive != nil {
		valueType = string(req.Primitive.Type())
	}
	res, err := c.ranker.Rank(ctx, llm.RankRequest{
		TraceID:    req.TraceID,
		ValueType:  valueType,
		Locale:     req.Locale.String(),
		Candidates: texts,
		Timeout:    c.rankTimeout,
	})
	if err != nil {
		c.rankings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		c.logger.Warn("ranker failed, using heuristic winner", slog.String("trace_id", req.TraceID), slogError(err))
		return groups[0], false
	}
	if res.Index < 0 || res.Index >= len(groups) {
		c.rankings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "invalid")))
		c.logger.Warn("ranker chose a missing candidate, using heuristic winner",
			slog.String("trace_id", req.TraceID),
			slog.Int("index", res.Index),
			slog.Int("candidates", len(groups)))
		return groups[0], false
	}
	c.rankings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	return groups[res.Index], true
}

// recalibrate derives the round confidence from agreement. Only unanimous
// agreement of two or more configured providers can exceed the cap.
func (c *Coordinator) recalibrate(g *agreementGroup, responded int) Result {
	configured := len(c.providers)
	agreeing := len(g.members)
	mean := g.meanConfidence()
	agreement := float64(agreeing) / float64(configured)

	var confidence float64
	if configured >= 2 && agreeing == configured {
		confidence = c.floor + (1-c.floor)*mean
	} else {
		confidence = min(mean*agreement, c.cap)
	}
	best := g.best()
	return Result{
		Text:       best.text,
		Confidence: confidence,
		Provider:   c.providers[best.index].Name,
		Agreement:  agreement,
		Responded:  responded,
		Configured: configured,
	}
}

func deadlineOf(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
