package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// SynthRequest contains parameters to synthesize speech. Timeout bounds the
// whole synthesis.
type SynthRequest struct {
	TraceID string
	Text    string
	Voice   string
	Timeout time.Duration
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	TraceID    string `json:"trace_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Speaker is the contract for producing audio. Both channels are closed
// when synthesis ends.
type Speaker interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// New builds the speaker a provider entry describes.
func New(cfg config.SpeakerProvider) (Speaker, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSpeaker(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSpeaker(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported speech mode %q", cfg.Mode)
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
