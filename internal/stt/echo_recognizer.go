package stt

import (
	"context"
	"errors"
)

// ErrNoText is returned by the echo recognizer for audio-only utterances.
var ErrNoText = errors.New("utterance carries no text")

type echoRecognizer struct {
	confidence float64
}

// NewEchoRecognizer trusts the transport's transcript and reports it with a
// fixed confidence.
func NewEchoRecognizer(confidence float64) Recognizer {
	return &echoRecognizer{confidence: confidence}
}

func (e *echoRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if req.Utterance.Text == "" {
		return TranscriptResult{}, ErrNoText
	}
	return TranscriptResult{Text: req.Utterance.Text, Confidence: e.confidence}, nil
}
