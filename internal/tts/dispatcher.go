package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/breaker"
	"github.com/loqalabs/loqa-capture/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrSpeechOutputUnavailable is returned when every provider failed or was
// skipped within the budget. It ends the conversation.
var ErrSpeechOutputUnavailable = errors.New("speech_output_unavailable")

var (
	errCircuitOpen     = errors.New("circuit open")
	errAttemptTimeout  = errors.New("no audio before attempt timeout")
	errBudgetExhausted = errors.New("speech budget exhausted")
	errNoAudio         = errors.New("synthesis produced no audio")
)

// synthesisTimeout bounds a whole synthesis once audio is flowing.
const synthesisTimeout = 45 * time.Second

// Provider is a named speaker with its voice and price.
type Provider struct {
	Name        string
	Speaker     Speaker
	Voice       string
	CostPerChar float64
}

// Usage is the running account for one provider.
type Usage struct {
	Provider   string  `json:"provider"`
	Requests   int64   `json:"requests"`
	Failures   int64   `json:"failures"`
	Skipped    int64   `json:"skipped"`
	Characters int64   `json:"characters"`
	Cost       float64 `json:"cost"`
}

type DispatcherOptions struct {
	Speech    config.SpeechConfig
	Providers []Provider
	Breakers  *breaker.Registry
	Logger    *slog.Logger
	Meter     metric.Meter
}

// Dispatcher speaks prompts through the first healthy provider, in
// configured order, within a bounded budget.
type Dispatcher struct {
	providers      []Provider
	breakers       *breaker.Registry
	budget         time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger

	mu    sync.Mutex
	usage map[string]*Usage

	requests   metric.Int64Counter
	characters metric.Int64Counter
	cost       metric.Float64Counter
	firstAudio metric.Float64Histogram
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Breakers == nil {
		return nil, errors.New("speech dispatcher needs a breaker registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-capture/internal/tts")
	}
	d := &Dispatcher{
		providers:      opts.Providers,
		breakers:       opts.Breakers,
		budget:         time.Duration(opts.Speech.BudgetMS) * time.Millisecond,
		attemptTimeout: time.Duration(opts.Speech.AttemptTimeoutMS) * time.Millisecond,
		logger:         logger.With(slog.String("component", "speech-dispatcher")),
		usage:          make(map[string]*Usage, len(opts.Providers)),
	}
	for _, p := range opts.Providers {
		d.usage[p.Name] = &Usage{Provider: p.Name}
	}

	var err error
	if d.requests, err = meter.Int64Counter("capture.speech.requests",
		metric.WithDescription("Speech synthesis attempts by provider and outcome")); err != nil {
		return nil, fmt.Errorf("create speech requests counter: %w", err)
	}
	if d.characters, err = meter.Int64Counter("capture.speech.characters",
		metric.WithDescription("Characters sent to speech providers")); err != nil {
		return nil, fmt.Errorf("create speech characters counter: %w", err)
	}
	if d.cost, err = meter.Float64Counter("capture.speech.cost",
		metric.WithDescription("Estimated speech synthesis cost")); err != nil {
		return nil, fmt.Errorf("create speech cost counter: %w", err)
	}
	if d.firstAudio, err = meter.Float64Histogram("capture.speech.first_audio_latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Time until the first audio chunk")); err != nil {
		return nil, fmt.Errorf("create first audio histogram: %w", err)
	}
	return d, nil
}

// Speak returns a stream as soon as one provider produced audio. Cancelling
// ctx stops the synthesis and the returned stream.
func (d *Dispatcher) Speak(ctx context.Context, traceID, text string) (*AudioStream, error) {
	if text == "" {
		return nil, errors.New("speak: empty text")
	}
	start := time.Now()
	deadline := start.Add(d.budget)

	var failures []error
	for _, p := range d.providers {
		b := d.breakers.Get(p.Name)
		if !b.Allow() {
			d.record(ctx, p, "skipped", 0)
			failures = append(failures, fmt.Errorf("%s: %w", p.Name, errCircuitOpen))
			continue
		}
		if !time.Now().Before(deadline) {
			b.Release()
			failures = append(failures, fmt.Errorf("%s: %w", p.Name, errBudgetExhausted))
			break
		}

		stream, err := d.attempt(ctx, p, traceID, text, deadline)
		if err == nil {
			b.Success()
			d.record(ctx, p, "ok", len(text))
			d.firstAudio.Record(ctx, float64(time.Since(start).Microseconds())/1000,
				metric.WithAttributes(attribute.String("provider", p.Name)))
			return stream, nil
		}
		if ctx.Err() != nil {
			b.Release()
			return nil, ctx.Err()
		}
		b.Failure()
		d.record(ctx, p, "failed", 0)
		d.logger.Warn("speech provider failed",
			slog.String("trace_id", traceID),
			slog.String("provider", p.Name),
			slogError(err))
		failures = append(failures, fmt.Errorf("%s: %w", p.Name, err))
	}
	d.logger.Error("speech output unavailable",
		slog.String("trace_id", traceID),
		slog.Int("providers", len(d.providers)),
		slogError(errors.Join(failures...)))
	return nil, fmt.Errorf("%w: %w", ErrSpeechOutputUnavailable, errors.Join(failures...))
}

func (d *Dispatcher) attempt(ctx context.Context, p Provider, traceID, text string, deadline time.Time) (*AudioStream, error) {
	wait := min(d.attemptTimeout, time.Until(deadline))
	if wait <= 0 {
		return nil, errBudgetExhausted
	}
	streamCtx, cancel := context.WithCancel(ctx)
	chunks, errs := p.Speaker.Synthesize(streamCtx, SynthRequest{
		TraceID: traceID,
		Text:    text,
		Voice:   p.Voice,
		Timeout: synthesisTimeout,
	})

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				cancel()
				return nil, drainError(errs)
			}
			stream := newAudioStream(traceID, p.Name, chunk, cancel)
			go stream.forward(streamCtx, chunk, chunks, errs)
			return stream, nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				cancel()
				return nil, err
			}
		case <-timer.C:
			cancel()
			return nil, errAttemptTimeout
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
	}
}

func drainError(errs <-chan error) error {
	if errs == nil {
		return errNoAudio
	}
	if err, ok := <-errs; ok && err != nil {
		return err
	}
	return errNoAudio
}

func (d *Dispatcher) record(ctx context.Context, p Provider, outcome string, chars int) {
	d.mu.Lock()
	u := d.usage[p.Name]
	switch outcome {
	case "skipped":
		u.Skipped++
	case "failed":
		u.Requests++
		u.Failures++
	default:
		u.Requests++
	}
	u.Characters += int64(chars)
	cost := float64(chars) * p.CostPerChar
	u.Cost += cost
	d.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("provider", p.Name))
	d.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", p.Name),
		attribute.String("outcome", outcome)))
	if chars > 0 {
		d.characters.Add(ctx, int64(chars), attrs)
		d.cost.Add(ctx, cost, attrs)
	}
}

// Usage returns per-provider accounting sorted by provider name.
func (d *Dispatcher) Usage() []Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Usage, 0, len(d.usage))
	for _, u := range d.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
