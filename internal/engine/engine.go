// Package engine runs conversations: it feeds recognized turns to the
// objective machine, persists the resulting events, and speaks the next
// prompt. Objectives within a conversation run one at a time; conversations
// run independently.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/consensus"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/objective"
	"github.com/loqalabs/loqa-capture/internal/statecache"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"github.com/loqalabs/loqa-capture/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnknownConversation = eventstore.ErrUnknownConversation
	ErrObjectiveActive     = errors.New("another objective is still active")
	ErrNoActiveObjective   = errors.New("no active objective")
	ErrObjectiveMismatch   = errors.New("utterance is for a different objective")
	// ErrTurnSuperseded is returned when a newer turn or a barge-in
	// replaced the turn before its result was applied.
	ErrTurnSuperseded = errors.New("turn superseded")
)

// Conversation-level event types. Objective events are defined by the
// objective package.
const (
	EventConversationStarted = "conversation_started"
	EventConversationEnded   = "conversation_ended"
	EventTurnRecognized      = "turn_recognized"
	EventTurnCancelled       = "turn_cancelled"
	EventSpeechEmitted       = "speech_emitted"
	EventSpeechFailed        = "speech_failed"
)

// EndReasonSpeechUnavailable ends a conversation whose prompts can no
// longer be spoken.
const EndReasonSpeechUnavailable = "speech_output_unavailable"

type Recognizer interface {
	Recognize(ctx context.Context, req consensus.Request) (consensus.Result, error)
}

type Speaker interface {
	Speak(ctx context.Context, traceID, text string) (*tts.AudioStream, error)
}

// SpeechSink delivers audio to the transport. EmitSpeech returns once the
// stream is drained or ctx is cancelled.
type SpeechSink interface {
	EmitSpeech(ctx context.Context, traceID string, stream *tts.AudioStream) error
}

// EventPublisher forwards appended events to orchestration.
type EventPublisher interface {
	Publish(ctx context.Context, ev eventstore.Event) error
}

type Options struct {
	Machine    *objective.Machine
	Log        eventstore.Log
	Cache      statecache.Cache
	Recognizer Recognizer
	Speaker    Speaker
	Sink       SpeechSink
	Publisher  EventPublisher
	Logger     *slog.Logger
	Clock      func() time.Time
}

type Engine struct {
	machine    *objective.Machine
	log        eventstore.Log
	cache      statecache.Cache
	recognizer Recognizer
	speaker    Speaker
	sink       SpeechSink
	publisher  EventPublisher
	logger     *slog.Logger
	clock      func() time.Time
	tracer     trace.Tracer
	outcomes   metric.Int64Counter

	mu            sync.Mutex
	conversations map[string]*conversation
}

func New(opts Options) (*Engine, error) {
	if opts.Machine == nil || opts.Log == nil || opts.Recognizer == nil || opts.Speaker == nil {
		return nil, errors.New("engine needs a machine, an event log, a recognizer and a speaker")
	}
	e := &Engine{
		machine:       opts.Machine,
		log:           opts.Log,
		cache:         opts.Cache,
		recognizer:    opts.Recognizer,
		speaker:       opts.Speaker,
		sink:          opts.Sink,
		publisher:     opts.Publisher,
		logger:        opts.Logger,
		clock:         opts.Clock,
		tracer:        otel.Tracer("github.com/loqalabs/loqa-capture/internal/engine"),
		conversations: make(map[string]*conversation),
	}
	if e.cache == nil {
		e.cache = statecache.Noop{}
	}
	if e.sink == nil {
		e.sink = discardSink{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "engine"))
	if e.clock == nil {
		e.clock = time.Now
	}
	var err error
	e.outcomes, err = otel.Meter("github.com/loqalabs/loqa-capture/internal/engine").Int64Counter(
		"capture.objectives.finished",
		metric.WithDescription("Objectives that reached a terminal state"))
	if err != nil {
		return nil, fmt.Errorf("create outcomes counter: %w", err)
	}
	return e, nil
}

type conversation struct {
	traceID string

	mu         sync.Mutex
	objectives map[string]objective.Objective
	active     string
	generation uint64
	turn       *turn
	ended      bool
}

type turn struct {
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
}

// beginTurn cancels any turn in flight and starts a newer one. Callers hold
// c.mu.
func (c *conversation) beginTurn(parent context.Context) *turn {
	if c.turn != nil {
		c.turn.cancel()
	}
	c.generation++
	ctx, cancel := context.WithCancel(parent)
	c.turn = &turn{generation: c.generation, ctx: ctx, cancel: cancel}
	return c.turn
}

func (c *conversation) current(t *turn) bool {
	return !c.ended && c.generation == t.generation && t.ctx.Err() == nil
}

func (c *conversation) finishTurn(t *turn) {
	c.mu.Lock()
	if c.turn == t {
		c.turn = nil
	}
	c.mu.Unlock()
	t.cancel()
}

func (c *conversation) activeObjective() (objective.Objective, bool) {
	if c.active == "" {
		return objective.Objective{}, false
	}
	obj, ok := c.objectives[c.active]
	return obj, ok
}

// StartConversation opens a conversation and returns its trace ID, generating
// one when traceID is empty.
func (e *Engine) StartConversation(ctx context.Context, traceID string) (string, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	if err := e.log.StartConversation(ctx, traceID); err != nil {
		return "", fmt.Errorf("start conversation %s: %w", traceID, err)
	}
	conv := &conversation{traceID: traceID, objectives: make(map[string]objective.Objective)}
	e.mu.Lock()
	e.conversations[traceID] = conv
	e.mu.Unlock()

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if err := e.appendEvents(ctx, conv, e.conversationEvent(EventConversationStarted, "", nil)); err != nil {
		return "", err
	}
	e.logger.Info("conversation started", slog.String("trace_id", traceID))
	return traceID, nil
}

// EndConversation cancels in-flight work and closes the conversation in the
// log. Objectives left open stay as they are; orchestration decides what
// that means.
func (e *Engine) EndConversation(ctx context.Context, traceID, reason string) error {
	conv, err := e.conversation(ctx, traceID)
	if err != nil {
		return err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return e.end(ctx, conv, reason)
}

// end closes conv. Callers hold conv.mu.
func (e *Engine) end(ctx context.Context, conv *conversation, reason string) error {
	if conv.ended {
		return fmt.Errorf("%w: %s", eventstore.ErrConversationClosed, conv.traceID)
	}
	if conv.turn != nil {
		conv.turn.cancel()
		conv.turn = nil
	}
	conv.generation++
	ctx = context.WithoutCancel(ctx)
	if err := e.appendEvents(ctx, conv, e.conversationEvent(EventConversationEnded, "", endPayload{Reason: reason})); err != nil {
		return err
	}
	if err := e.log.EndConversation(ctx, conv.traceID, reason); err != nil {
		return fmt.Errorf("end conversation %s: %w", conv.traceID, err)
	}
	conv.ended = true
	e.mu.Lock()
	delete(e.conversations, conv.traceID)
	e.mu.Unlock()
	e.logger.Info("conversation ended", slog.String("trace_id", conv.traceID), slog.String("reason", reason))
	return nil
}

// StartObjective begins eliciting spec and speaks the first prompt. It fails
// with ErrObjectiveActive while an earlier objective is unfinished.
func (e *Engine) StartObjective(ctx context.Context, traceID string, spec objective.Spec) (objective.Objective, error) {
	conv, err := e.conversation(ctx, traceID)
	if err != nil {
		return objective.Objective{}, err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	conv.mu.Lock()
	if conv.ended {
		conv.mu.Unlock()
		return objective.Objective{}, fmt.Errorf("%w: %s", eventstore.ErrConversationClosed, traceID)
	}
	if obj, ok := conv.activeObjective(); ok && !obj.State.Terminal() {
		conv.mu.Unlock()
		return objective.Objective{}, fmt.Errorf("%w: %s is %s", ErrObjectiveActive, obj.ID, obj.State)
	}
	if _, dup := conv.objectives[spec.ID]; dup {
		conv.mu.Unlock()
		return objective.Objective{}, fmt.Errorf("objective %s already exists", spec.ID)
	}
	step, err := e.machine.Start(spec, e.now())
	if err != nil {
		conv.mu.Unlock()
		return objective.Objective{}, err
	}
	if err := e.commit(ctx, conv, step); err != nil {
		conv.mu.Unlock()
		return objective.Objective{}, err
	}
	t := conv.beginTurn(ctx)
	conv.mu.Unlock()
	defer conv.finishTurn(t)

	e.logger.Info("objective started",
		slog.String("trace_id", traceID),
		slog.String("objective_id", spec.ID),
		slog.String("value_type", string(spec.ValueType)),
		slog.String("primitive_version", step.Objective.PrimitiveVersion))
	if err := e.say(t, conv, step.Prompt); err != nil {
		return step.Objective, err
	}
	return step.Objective, nil
}

// OnUtterance processes one caller turn for the active objective. A newer
// utterance or a barge-in cancels it, in which case ErrTurnSuperseded is
// returned and nothing is applied.
func (e *Engine) OnUtterance(ctx context.Context, traceID, objectiveID string, utt stt.Utterance) error {
	conv, err := e.conversation(ctx, traceID)
	if err != nil {
		return err
	}
	conv.mu.Lock()
	if conv.ended {
		conv.mu.Unlock()
		return fmt.Errorf("%w: %s", eventstore.ErrConversationClosed, traceID)
	}
	obj, ok := conv.activeObjective()
	if !ok || obj.State.Terminal() {
		conv.mu.Unlock()
		return ErrNoActiveObjective
	}
	if objectiveID != "" && objectiveID != obj.ID {
		conv.mu.Unlock()
		return fmt.Errorf("%w: active is %s", ErrObjectiveMismatch, obj.ID)
	}
	t := conv.beginTurn(ctx)
	conv.mu.Unlock()
	defer conv.finishTurn(t)

	spanCtx, span := e.tracer.Start(t.ctx, "engine.turn", trace.WithAttributes(
		attribute.String("trace_id", traceID),
		attribute.String("objective_id", obj.ID),
		attribute.String("state", string(obj.State)),
	))
	defer span.End()

	in, result, err := e.recognize(spanCtx, traceID, obj, utt)
	if err != nil {
		return e.superseded(conv, t, err)
	}

	conv.mu.Lock()
	if !conv.current(t) {
		conv.mu.Unlock()
		return ErrTurnSuperseded
	}
	// The objective may have moved since the turn began.
	obj, _ = conv.activeObjective()
	if obj.State.Terminal() {
		conv.mu.Unlock()
		return ErrNoActiveObjective
	}
	step, err := e.machine.Step(obj, in, e.now())
	if err != nil {
		conv.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	var extra []eventstore.Event
	if in.Kind == objective.InputTranscript {
		extra = append(extra, e.conversationEvent(EventTurnRecognized, obj.ID, turnPayload{
			ObjectiveID: obj.ID,
			Provider:    result.Provider,
			Confidence:  result.Confidence,
			Agreement:   result.Agreement,
			Responded:   result.Responded,
			Configured:  result.Configured,
			Ranked:      result.Ranked,
		}))
	}
	if err := e.commit(context.WithoutCancel(ctx), conv, step, extra...); err != nil {
		conv.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	conv.mu.Unlock()

	span.SetAttributes(attribute.String("next_state", string(step.Objective.State)))
	return e.say(t, conv, step.Prompt)
}

// recognize turns one utterance into a machine input. Only a cancelled turn
// yields an error.
func (e *Engine) recognize(ctx context.Context, traceID string, obj objective.Objective, utt stt.Utterance) (objective.Input, consensus.Result, error) {
	if utt.Empty() {
		return objective.Input{Kind: objective.InputNoCandidates}, consensus.Result{}, nil
	}
	prim, err := e.machine.Primitive(obj)
	if err != nil {
		return objective.Input{}, consensus.Result{}, err
	}
	locale, err := capture.ParseLocale(obj.Locale)
	if err != nil {
		return objective.Input{}, consensus.Result{}, err
	}
	res, err := e.recognizer.Recognize(ctx, consensus.Request{
		TraceID:   traceID,
		Primitive: prim,
		Locale:    locale,
		Utterance: utt,
	})
	switch {
	case err == nil:
		return objective.Input{Kind: objective.InputTranscript, Text: res.Text, Confidence: res.Confidence}, res, nil
	case ctx.Err() != nil:
		return objective.Input{}, consensus.Result{}, ctx.Err()
	case errors.Is(err, consensus.ErrNoCandidates):
		return objective.Input{Kind: objective.InputNoCandidates}, consensus.Result{}, nil
	default:
		e.logger.Warn("recognition unavailable", slog.String("objective_id", obj.ID), slogError(err))
		return objective.Input{Kind: objective.InputProviderUnavailable}, consensus.Result{}, nil
	}
}

// superseded maps an aborted turn to the error its caller sees.
func (e *Engine) superseded(conv *conversation, t *turn, err error) error {
	conv.mu.Lock()
	current := conv.current(t)
	conv.mu.Unlock()
	if !current || errors.Is(err, context.Canceled) {
		return ErrTurnSuperseded
	}
	return err
}

// OnBargeIn cancels the turn in flight, if any, and records the
// cancellation.
func (e *Engine) OnBargeIn(ctx context.Context, traceID string) error {
	conv, err := e.conversation(ctx, traceID)
	if err != nil {
		return err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.ended || conv.turn == nil {
		return nil
	}
	conv.turn.cancel()
	conv.turn = nil
	conv.generation++
	e.logger.Info("turn cancelled by barge-in", slog.String("trace_id", traceID), slog.String("objective_id", conv.active))
	return e.appendEvents(ctx, conv, e.conversationEvent(EventTurnCancelled, conv.active, cancelPayload{Reason: "barge_in"}))
}

// say speaks prompt for turn t. A cancelled turn stays silent without error;
// losing every speech provider fails the active objective and ends the
// conversation.
func (e *Engine) say(t *turn, conv *conversation, prompt string) error {
	stream, err := e.speaker.Speak(t.ctx, conv.traceID, prompt)
	if err != nil {
		if t.ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, tts.ErrSpeechOutputUnavailable) {
			return e.speechUnavailable(t, conv, err)
		}
		return fmt.Errorf("speak prompt: %w", err)
	}
	defer stream.Close()
	if err := e.sink.EmitSpeech(t.ctx, conv.traceID, stream); err != nil {
		if t.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("emit speech: %w", err)
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.ended {
		return nil
	}
	return e.appendEvents(context.WithoutCancel(t.ctx), conv, e.conversationEvent(EventSpeechEmitted, conv.active, speechPayload{
		Provider:   stream.Provider,
		Characters: len(prompt),
	}))
}

func (e *Engine) speechUnavailable(t *turn, conv *conversation, cause error) error {
	ctx := context.WithoutCancel(t.ctx)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.ended {
		return cause
	}
	failed := e.conversationEvent(EventSpeechFailed, conv.active, speechPayload{Error: tts.ErrSpeechOutputUnavailable.Error()})
	if obj, ok := conv.activeObjective(); ok && !obj.State.Terminal() {
		step, err := e.machine.Fail(obj, objective.ReasonProviderUnavailable, e.now())
		if err != nil {
			return errors.Join(cause, err)
		}
		if err := e.commit(ctx, conv, step, failed); err != nil {
			return errors.Join(cause, err)
		}
	} else if err := e.appendEvents(ctx, conv, failed); err != nil {
		return errors.Join(cause, err)
	}
	if err := e.end(ctx, conv, EndReasonSpeechUnavailable); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// commit appends extra and the step's changes as one batch, then adopts the
// step's objective. Callers hold conv.mu.
func (e *Engine) commit(ctx context.Context, conv *conversation, step objective.Step, extra ...eventstore.Event) error {
	events := make([]eventstore.Event, 0, len(extra)+len(step.Changes))
	events = append(events, extra...)
	at := step.Objective.UpdatedAt
	for _, c := range step.Changes {
		ev, err := objective.Encode(c, at)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	if err := e.appendEvents(ctx, conv, events...); err != nil {
		return err
	}

	obj := step.Objective
	conv.objectives[obj.ID] = obj
	conv.active = obj.ID
	if err := e.cache.Put(ctx, conv.traceID, obj); err != nil {
		e.logger.Warn("state cache write failed", slog.String("trace_id", conv.traceID), slogError(err))
	}
	if obj.State.Terminal() {
		e.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("value_type", string(obj.ValueType)),
			attribute.String("state", string(obj.State)),
			attribute.String("reason", string(obj.FailureReason))))
		e.logger.Info("objective finished",
			slog.String("trace_id", conv.traceID),
			slog.String("objective_id", obj.ID),
			slog.String("state", string(obj.State)),
			slog.String("reason", string(obj.FailureReason)),
			slog.Int("retry_count", obj.RetryCount))
	}
	return nil
}

func (e *Engine) appendEvents(ctx context.Context, conv *conversation, events ...eventstore.Event) error {
	appended, err := e.log.Append(ctx, conv.traceID, events...)
	if err != nil {
		return fmt.Errorf("append events for %s: %w", conv.traceID, err)
	}
	if e.publisher == nil {
		return nil
	}
	for _, ev := range appended {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("event publish failed",
				slog.String("trace_id", conv.traceID),
				slog.Int64("sequence", ev.Sequence),
				slogError(err))
		}
	}
	return nil
}

func (e *Engine) conversationEvent(eventType, objectiveID string, payload any) eventstore.Event {
	ev := eventstore.Event{Type: eventType, Version: 1, ObjectiveID: objectiveID, Timestamp: e.now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			ev.Payload = data
		}
	}
	return ev
}

func (e *Engine) now() time.Time {
	return eventstore.Stamp(e.clock())
}

// Objectives returns every objective of a live conversation.
func (e *Engine) Objectives(ctx context.Context, traceID string) ([]objective.Objective, error) {
	conv, err := e.conversation(ctx, traceID)
	if err != nil {
		return nil, err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	out := make([]objective.Objective, 0, len(conv.objectives))
	for _, obj := range conv.objectives {
		out = append(out, obj)
	}
	sortObjectives(out)
	return out, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

type discardSink struct{}

func (discardSink) EmitSpeech(ctx context.Context, _ string, stream *tts.AudioStream) error {
	for {
		select {
		case _, ok := <-stream.Chunks():
			if !ok {
				return stream.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
