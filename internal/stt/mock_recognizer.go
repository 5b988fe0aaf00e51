package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	confidence float64
}

// NewMockRecognizer describes the audio it was given instead of
// transcribing it. Text utterances pass through unchanged.
func NewMockRecognizer(confidence float64) Recognizer {
	return &mockRecognizer{confidence: confidence}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if req.Utterance.Text != "" {
		return TranscriptResult{Text: req.Utterance.Text, Confidence: m.confidence}, nil
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript length=%d]", len(req.Utterance.PCM)),
		Confidence: 0,
	}, nil
}
