package tts

import (
	"context"
	"sync"
)

// AudioStream is the audio for one spoken prompt. Chunks is closed when
// synthesis ends or the stream is closed; Err reports why it ended early.
type AudioStream struct {
	TraceID    string
	Provider   string
	SampleRate int
	Channels   int

	chunks chan SynthChunk
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newAudioStream(traceID, provider string, first SynthChunk, cancel context.CancelFunc) *AudioStream {
	return &AudioStream{
		TraceID:    traceID,
		Provider:   provider,
		SampleRate: first.SampleRate,
		Channels:   first.Channels,
		chunks:     make(chan SynthChunk, 16),
		cancel:     cancel,
	}
}

func (s *AudioStream) Chunks() <-chan SynthChunk { return s.chunks }

// Close stops synthesis. It is safe to call more than once.
func (s *AudioStream) Close() { s.cancel() }

func (s *AudioStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drain reads the remaining chunks, for sinks that want the whole prompt.
func (s *AudioStream) Drain() ([]SynthChunk, error) {
	var out []SynthChunk
	for c := range s.chunks {
		out = append(out, c)
	}
	return out, s.Err()
}

func (s *AudioStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *AudioStream) forward(ctx context.Context, first SynthChunk, chunks <-chan SynthChunk, errs <-chan error) {
	defer close(s.chunks)
	defer s.cancel()

	sequence := 0
	send := func(c SynthChunk) bool {
		c.TraceID = s.TraceID
		c.Sequence = sequence
		sequence++
		select {
		case s.chunks <- c:
			return true
		case <-ctx.Done():
			s.fail(ctx.Err())
			return false
		}
	}
	if !send(first) {
		return
	}
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if !send(c) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				s.fail(err)
				return
			}
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
}
