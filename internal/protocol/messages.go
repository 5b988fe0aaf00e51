package protocol

import (
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-capture/internal/eventstore"
)

// ConversationStart opens a conversation. An empty TraceID asks the engine
// to generate one.
type ConversationStart struct {
	TraceID string `json:"trace_id"`
}

type ConversationEnd struct {
	TraceID string `json:"trace_id"`
	Reason  string `json:"reason"`
}

// ObjectiveStart asks the engine to elicit one value.
type ObjectiveStart struct {
	TraceID     string `json:"trace_id"`
	ObjectiveID string `json:"objective_id,omitempty"`
	ValueType   string `json:"value_type"`
	Purpose     string `json:"purpose"`
	Locale      string `json:"locale,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
}

// Utterance is one caller turn. Transports that transcribe themselves send
// Text; the rest send PCM.
type Utterance struct {
	TraceID     string `json:"trace_id"`
	ObjectiveID string `json:"objective_id"`
	Text        string `json:"text,omitempty"`
	PCM         []byte `json:"pcm,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
}

type BargeIn struct {
	TraceID string `json:"trace_id"`
}

// Reply answers a request on its reply subject.
type Reply struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
	ObjectiveID string `json:"objective_id,omitempty"`
}

// AudioChunk carries synthesized speech back to the transport.
type AudioChunk struct {
	TraceID    string `json:"trace_id"`
	Provider   string `json:"provider"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// EventEnvelope is the versioned record published to orchestration.
type EventEnvelope struct {
	TraceID        string          `json:"trace_id"`
	ObjectiveID    string          `json:"objective_id,omitempty"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	Version        int             `json:"version"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// EnvelopeOf wraps a sequenced log record for publishing.
func EnvelopeOf(ev eventstore.Event) EventEnvelope {
	return EventEnvelope{
		TraceID:        ev.TraceID,
		ObjectiveID:    ev.ObjectiveID,
		SequenceNumber: ev.Sequence,
		EventType:      ev.Type,
		Version:        ev.Version,
		Timestamp:      ev.Timestamp,
		Payload:        json.RawMessage(ev.Payload),
	}
}
