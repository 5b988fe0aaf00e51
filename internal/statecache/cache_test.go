package statecache

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/objective"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// record drives one email objective to CONFIRMING and logs its events.
func record(t *testing.T, log eventstore.Log, traceID string) objective.Objective {
	t.Helper()
	ctx := context.Background()
	m := objective.NewMachine(capture.DefaultRegistry(), objective.DefaultPolicy())

	step, err := m.Start(objective.Spec{ID: "obj-1", ValueType: capture.Email, Purpose: "to send the receipt"}, t0)
	require.NoError(t, err)
	appendStep(t, log, traceID, step, t0)

	at := t0.Add(2 * time.Second)
	step, err = m.Step(step.Objective, objective.Input{Kind: objective.InputTranscript, Text: "jane at gmail dot com", Confidence: 0.95}, at)
	require.NoError(t, err)
	appendStep(t, log, traceID, step, at)

	_, err = log.Append(ctx, traceID, eventstore.Event{Type: "turn_recognized", Timestamp: at})
	require.NoError(t, err)
	return step.Objective
}

func appendStep(t *testing.T, log eventstore.Log, traceID string, step objective.Step, at time.Time) {
	t.Helper()
	events := make([]eventstore.Event, 0, len(step.Changes))
	for _, c := range step.Changes {
		ev, err := objective.Encode(c, at)
		require.NoError(t, err)
		events = append(events, ev)
	}
	_, err := log.Append(context.Background(), traceID, events...)
	require.NoError(t, err)
}

func TestRebuildReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	log := eventstore.NewMemoryLog()
	require.NoError(t, log.StartConversation(ctx, "trace-1"))
	live := record(t, log, "trace-1")
	require.Equal(t, objective.Confirming, live.State)

	cache := NewMemory()
	stale := live
	stale.State = objective.Completed
	require.NoError(t, cache.Put(ctx, "trace-1", stale))
	require.NoError(t, cache.Put(ctx, "trace-1", objective.Objective{ID: "ghost"}))

	rebuilt, err := Rebuild(ctx, log, cache, "trace-1")
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	assert.Equal(t, live, rebuilt[0])

	got, ok, err := cache.Get(ctx, "trace-1", "obj-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, live, got)

	_, ok, err = cache.Get(ctx, "trace-1", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDrop(t *testing.T) {
	ctx := context.Background()
	cache := NewMemory()
	require.NoError(t, cache.Put(ctx, "a", objective.Objective{ID: "1", CreatedAt: t0.Add(time.Second)}))
	require.NoError(t, cache.Put(ctx, "a", objective.Objective{ID: "2", CreatedAt: t0}))

	list, err := cache.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2", list[0].ID)

	require.NoError(t, cache.Drop(ctx, "a"))
	list, err = cache.List(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpenDisabledIsNoop(t *testing.T) {
	c, err := Open(context.Background(), config.CacheConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, c)
}

// TestRedisRoundTrip requires a running Redis and is skipped otherwise.
func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := NewRedis(config.CacheConfig{Addr: "localhost:6379", TTLSeconds: 60})
	defer r.Close()
	if err := r.Ping(ctx); err != nil {
		t.Skip("redis not available")
	}

	log := eventstore.NewMemoryLog()
	require.NoError(t, log.StartConversation(ctx, "trace-redis"))
	live := record(t, log, "trace-redis")

	_, err := Rebuild(ctx, log, r, "trace-redis")
	require.NoError(t, err)
	defer r.Drop(ctx, "trace-redis")

	got, ok, err := r.Get(ctx, "trace-redis", live.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, live.NormalizedValue, got.NormalizedValue)
	assert.True(t, live.UpdatedAt.Equal(got.UpdatedAt))
}
