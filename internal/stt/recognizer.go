package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// Utterance is one caller turn as delivered by the transport. Transports
// that already transcribe send Text; the rest send PCM.
type Utterance struct {
	Text       string `json:"text,omitempty"`
	PCM        []byte `json:"pcm,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

func (u Utterance) Empty() bool {
	return u.Text == "" && len(u.PCM) == 0
}

// Request is one recognition call. Timeout bounds the call in addition to
// any deadline on the context.
type Request struct {
	TraceID   string
	Locale    string
	Utterance Utterance
	Timeout   time.Duration
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

// New builds the recognizer a provider entry describes.
func New(cfg config.RecognizerProvider) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(cfg.Confidence), nil
	case "echo":
		return NewEchoRecognizer(cfg.Confidence), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported recognizer mode %q", cfg.Mode)
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
