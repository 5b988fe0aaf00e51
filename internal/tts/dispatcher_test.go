package tts

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/breaker"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSpeaker emits chunks after an initial delay, or fails.
type scriptedSpeaker struct {
	delay   time.Duration
	err     error
	chunks  int
	endless bool
	calls   atomic.Int32
}

func (s *scriptedSpeaker) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	s.calls.Add(1)
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(s.delay):
		}
		if s.err != nil {
			errs <- s.err
			return
		}
		for i := 0; s.endless || i < s.chunks; i++ {
			select {
			case chunks <- SynthChunk{SampleRate: 16000, Channels: 1, PCM: []byte{byte(i)}, Final: !s.endless && i == s.chunks-1}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func speechConfig() config.SpeechConfig {
	return config.SpeechConfig{
		BudgetMS:         400,
		AttemptTimeoutMS: 150,
		FailureThreshold: 3,
		CooldownMS:       10000,
	}
}

func newDispatcher(t *testing.T, registry *breaker.Registry, primary, secondary Speaker) *Dispatcher {
	t.Helper()
	if registry == nil {
		registry = breaker.NewRegistry(3, 10*time.Second)
	}
	d, err := NewDispatcher(DispatcherOptions{
		Speech:   speechConfig(),
		Breakers: registry,
		Providers: []Provider{
			{Name: "primary", Speaker: primary, CostPerChar: 0.001},
			{Name: "secondary", Speaker: secondary, CostPerChar: 0.002},
		},
	})
	require.NoError(t, err)
	return d
}

func TestSpeakUsesPrimary(t *testing.T) {
	primary := &scriptedSpeaker{chunks: 3}
	secondary := &scriptedSpeaker{chunks: 1}
	d := newDispatcher(t, nil, primary, secondary)

	stream, err := d.Speak(context.Background(), "trace-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "primary", stream.Provider)
	chunks, err := stream.Drain()
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Sequence)
		assert.Equal(t, "trace-1", c.TraceID)
	}
	assert.True(t, chunks[2].Final)
	assert.Zero(t, secondary.calls.Load())

	usage := d.Usage()
	require.Len(t, usage, 2)
	assert.Equal(t, Usage{Provider: "primary", Requests: 1, Characters: 5, Cost: 0.005}, usage[0])
	assert.Equal(t, Usage{Provider: "secondary"}, usage[1])
}

func TestSpeakFailsOverOnError(t *testing.T) {
	registry := breaker.NewRegistry(3, 10*time.Second)
	d := newDispatcher(t, registry, &scriptedSpeaker{err: errors.New("401")}, &scriptedSpeaker{chunks: 1})

	stream, err := d.Speak(context.Background(), "trace-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "secondary", stream.Provider)
	_, _ = stream.Drain()
	assert.Equal(t, 1, registry.Get("primary").Status().Failures)
	assert.EqualValues(t, 1, d.Usage()[0].Failures)
}

func TestSpeakFailsOverOnSlowPrimary(t *testing.T) {
	d := newDispatcher(t, nil, &scriptedSpeaker{delay: time.Second, chunks: 1}, &scriptedSpeaker{chunks: 1})

	start := time.Now()
	stream, err := d.Speak(context.Background(), "trace-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "secondary", stream.Provider)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	stream.Close()
}

func TestOpenCircuitIsSkipped(t *testing.T) {
	primary := &scriptedSpeaker{err: errors.New("503")}
	registry := breaker.NewRegistry(3, 10*time.Second)
	d := newDispatcher(t, registry, primary, &scriptedSpeaker{chunks: 1})

	for i := 0; i < 4; i++ {
		stream, err := d.Speak(context.Background(), "trace-1", "hi")
		require.NoError(t, err)
		assert.Equal(t, "secondary", stream.Provider)
		_, _ = stream.Drain()
	}
	assert.EqualValues(t, 3, primary.calls.Load())
	assert.Equal(t, breaker.Open, registry.Get("primary").Status().State)
	assert.EqualValues(t, 1, d.Usage()[0].Skipped)
}

func TestHalfOpenTrialRecovers(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	registry := breaker.NewRegistry(1, 10*time.Second, breaker.WithClock(c.Now))
	primary := &scriptedSpeaker{err: errors.New("503")}
	d := newDispatcher(t, registry, primary, &scriptedSpeaker{chunks: 1})

	stream, err := d.Speak(context.Background(), "trace-1", "hi")
	require.NoError(t, err)
	_, _ = stream.Drain()
	require.Equal(t, breaker.Open, registry.Get("primary").Status().State)

	primary.err = nil
	primary.chunks = 1
	c.Advance(11 * time.Second)
	stream, err = d.Speak(context.Background(), "trace-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "primary", stream.Provider)
	_, _ = stream.Drain()
	assert.Equal(t, breaker.Closed, registry.Get("primary").Status().State)
}

func TestAllProvidersDownIsUnavailable(t *testing.T) {
	d := newDispatcher(t, nil, &scriptedSpeaker{err: errors.New("a")}, &scriptedSpeaker{err: errors.New("b")})
	_, err := d.Speak(context.Background(), "trace-1", "hello")
	assert.ErrorIs(t, err, ErrSpeechOutputUnavailable)
}

func TestBudgetBoundsTotalTime(t *testing.T) {
	registry := breaker.NewRegistry(3, 10*time.Second)
	d, err := NewDispatcher(DispatcherOptions{
		Speech:   config.SpeechConfig{BudgetMS: 100, AttemptTimeoutMS: 80, FailureThreshold: 3, CooldownMS: 1000},
		Breakers: registry,
		Providers: []Provider{
			{Name: "primary", Speaker: &scriptedSpeaker{delay: time.Second, chunks: 1}},
			{Name: "secondary", Speaker: &scriptedSpeaker{delay: time.Second, chunks: 1}},
			{Name: "tertiary", Speaker: &scriptedSpeaker{delay: time.Second, chunks: 1}},
		},
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = d.Speak(context.Background(), "trace-1", "hello")
	assert.ErrorIs(t, err, ErrSpeechOutputUnavailable)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestCancelledSpeakDoesNotTripBreaker(t *testing.T) {
	registry := breaker.NewRegistry(1, 10*time.Second)
	d := newDispatcher(t, registry, &scriptedSpeaker{delay: time.Second, chunks: 1}, &scriptedSpeaker{chunks: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := d.Speak(ctx, "trace-1", "hello")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, breaker.Closed, registry.Get("primary").Status().State)
}

func TestClosingStreamStopsSynthesis(t *testing.T) {
	d := newDispatcher(t, nil, &scriptedSpeaker{endless: true}, &scriptedSpeaker{chunks: 1})
	stream, err := d.Speak(context.Background(), "trace-1", "hello")
	require.NoError(t, err)
	<-stream.Chunks()
	stream.Close()

	done := make(chan struct{})
	go func() {
		for range stream.Chunks() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}
	assert.ErrorIs(t, stream.Err(), context.Canceled)
}

func TestNewDispatcherNeedsBreakers(t *testing.T) {
	_, err := NewDispatcher(DispatcherOptions{Speech: speechConfig()})
	assert.Error(t, err)
}

func TestExecSpeaker(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	s, err := NewExecSpeaker(`sh -c 'cat >/dev/null; printf "{\"pcm_base64\":\"AAE=\",\"final\":false}\n{\"pcm_base64\":\"AgM=\",\"final\":true}\n"'`, 16000, 1)
	require.NoError(t, err)

	chunks, errs := s.Synthesize(context.Background(), SynthRequest{TraceID: "t", Text: "hello", Timeout: 5 * time.Second})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, got, 2)
	assert.Equal(t, []byte{0, 1}, got[0].PCM)
	assert.Equal(t, []byte{2, 3}, got[1].PCM)
	assert.True(t, got[1].Final)
}

func TestMockSpeaker(t *testing.T) {
	s, err := New(config.SpeakerProvider{Name: "m", Mode: "mock", SampleRate: 100, Channels: 1})
	require.NoError(t, err)
	chunks, _ := s.Synthesize(context.Background(), SynthRequest{Text: "abc"})
	c := <-chunks
	assert.Len(t, c.PCM, 6)
	assert.True(t, c.Final)
}

func TestMockSpeakerChunksPerSentence(t *testing.T) {
	chunks, errs := NewMockSpeaker(16000, 1).Synthesize(context.Background(), SynthRequest{
		TraceID: "t1",
		Text:    "I heard jane at gmail dot com. Is that right?",
	})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 2)
	assert.False(t, got[0].Final)
	assert.True(t, got[1].Final)
	assert.Equal(t, 1, got[1].Sequence)
	assert.Len(t, got[1].PCM, len("Is that right?")*160*2)
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t, []string{""}, splitSentences(""))
	assert.Equal(t, []string{"Hello"}, splitSentences(" Hello "))
	assert.Equal(t, []string{"One.", "Two?", "three"}, splitSentences("One. Two? three"))
}
