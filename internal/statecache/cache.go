// Package statecache keeps a derived snapshot of each conversation's
// objectives for fast reads. The event log stays authoritative; anything
// here can be rebuilt by replaying it.
package statecache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/objective"
)

type Cache interface {
	Put(ctx context.Context, traceID string, obj objective.Objective) error
	Get(ctx context.Context, traceID, objectiveID string) (objective.Objective, bool, error)
	List(ctx context.Context, traceID string) ([]objective.Objective, error)
	Drop(ctx context.Context, traceID string) error
	Close() error
}

// Rebuild replays the trace from the log and replaces the cached snapshot.
func Rebuild(ctx context.Context, log eventstore.Log, cache Cache, traceID string) ([]objective.Objective, error) {
	events, err := log.Events(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", traceID, err)
	}
	replayed, err := objective.Replay(events)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", traceID, err)
	}
	if err := cache.Drop(ctx, traceID); err != nil {
		return nil, err
	}
	out := sortedObjectives(replayed)
	for _, obj := range out {
		if err := cache.Put(ctx, traceID, obj); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func sortedObjectives(m map[string]objective.Objective) []objective.Objective {
	out := make([]objective.Objective, 0, len(m))
	for _, obj := range m {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Noop caches nothing.
type Noop struct{}

func (Noop) Put(context.Context, string, objective.Objective) error { return nil }

func (Noop) Get(context.Context, string, string) (objective.Objective, bool, error) {
	return objective.Objective{}, false, nil
}

func (Noop) List(context.Context, string) ([]objective.Objective, error) { return nil, nil }

func (Noop) Drop(context.Context, string) error { return nil }

func (Noop) Close() error { return nil }

// Memory is an in-process cache.
type Memory struct {
	mu     sync.RWMutex
	traces map[string]map[string]objective.Objective
}

func NewMemory() *Memory {
	return &Memory{traces: make(map[string]map[string]objective.Objective)}
}

func (m *Memory) Put(_ context.Context, traceID string, obj objective.Objective) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs := m.traces[traceID]
	if objs == nil {
		objs = make(map[string]objective.Objective)
		m.traces[traceID] = objs
	}
	objs[obj.ID] = obj
	return nil
}

func (m *Memory) Get(_ context.Context, traceID, objectiveID string) (objective.Objective, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.traces[traceID][objectiveID]
	return obj, ok, nil
}

func (m *Memory) List(_ context.Context, traceID string) ([]objective.Objective, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedObjectives(m.traces[traceID]), nil
}

func (m *Memory) Drop(_ context.Context, traceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.traces, traceID)
	return nil
}

func (m *Memory) Close() error { return nil }
