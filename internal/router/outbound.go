package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/tts"
	"github.com/nats-io/nats.go"
)

// Outbound publishes what the engine produces: audio for the transport and
// events for orchestration.
type Outbound struct {
	bus      *bus.Client
	subjects protocol.Subjects
	schema   *protocol.EventSchema
	stream   string
	logger   *slog.Logger
}

// NewOutbound publishes events through JetStream when stream is set and
// over core NATS otherwise.
func NewOutbound(busClient *bus.Client, subjects protocol.Subjects, schema *protocol.EventSchema, stream string, logger *slog.Logger) *Outbound {
	return &Outbound{
		bus:      busClient,
		subjects: subjects,
		schema:   schema,
		stream:   stream,
		logger:   logger.With(slog.String("component", "router-outbound")),
	}
}

// EmitSpeech forwards every chunk of stream to the trace's speech subject.
func (o *Outbound) EmitSpeech(ctx context.Context, traceID string, stream *tts.AudioStream) error {
	subject := o.subjects.Speech(traceID)
	for {
		select {
		case chunk, ok := <-stream.Chunks():
			if !ok {
				return stream.Err()
			}
			data, err := json.Marshal(protocol.AudioChunk{
				TraceID:    traceID,
				Provider:   stream.Provider,
				SampleRate: chunk.SampleRate,
				Channels:   chunk.Channels,
				Sequence:   chunk.Sequence,
				PCM:        chunk.PCM,
				Final:      chunk.Final,
			})
			if err != nil {
				return err
			}
			if err := o.bus.Conn().Publish(subject, data); err != nil {
				return fmt.Errorf("publish speech chunk: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Publish validates ev against the event schema and sends it to the trace's
// events subject. JetStream deduplicates on trace and sequence.
func (o *Outbound) Publish(ctx context.Context, ev eventstore.Event) error {
	data, err := o.schema.Encode(protocol.EnvelopeOf(ev))
	if err != nil {
		return err
	}
	subject := o.subjects.Events(ev.TraceID)
	if o.stream == "" {
		return o.bus.Conn().Publish(subject, data)
	}
	msgID := ev.TraceID + "-" + strconv.FormatInt(ev.Sequence, 10)
	if _, err := o.bus.JetStream().Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, o.stream, err)
	}
	return nil
}
