package tts

import (
	"context"
	"strings"
	"time"
)

const mockFirstAudio = 20 * time.Millisecond

type mockSpeaker struct {
	sampleRate int
	channels   int
}

// NewMockSpeaker produces silence, one chunk per sentence and ten
// milliseconds of audio per character.
func NewMockSpeaker(sampleRate, channels int) Speaker {
	return &mockSpeaker{sampleRate: sampleRate, channels: channels}
}

func (m *mockSpeaker) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	sentences := splitSentences(req.Text)
	chunks := make(chan SynthChunk, len(sentences))
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(mockFirstAudio):
		}
		for i, sentence := range sentences {
			samples := len(sentence) * m.sampleRate / 100
			select {
			case chunks <- SynthChunk{
				TraceID:    req.TraceID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, samples*m.channels*2),
				Final:      i == len(sentences)-1,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

// splitSentences cuts text after each '.', '?' or '!'. It always returns at
// least one element.
func splitSentences(text string) []string {
	var out []string
	for {
		i := strings.IndexAny(text, ".?!")
		if i < 0 {
			break
		}
		if s := strings.TrimSpace(text[:i+1]); s != "" {
			out = append(out, s)
		}
		text = text[i+1:]
	}
	if s := strings.TrimSpace(text); s != "" || len(out) == 0 {
		out = append(out, s)
	}
	return out
}
