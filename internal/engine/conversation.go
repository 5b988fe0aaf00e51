package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/objective"
)

type endPayload struct {
	Reason string `json:"reason"`
}

type cancelPayload struct {
	Reason string `json:"reason"`
}

type turnPayload struct {
	ObjectiveID string  `json:"objective_id"`
	Provider    string  `json:"provider"`
	Confidence  float64 `json:"confidence"`
	Agreement   float64 `json:"agreement"`
	Responded   int     `json:"responded"`
	Configured  int     `json:"configured"`
	Ranked      bool    `json:"ranked,omitempty"`
}

type speechPayload struct {
	Provider   string `json:"provider,omitempty"`
	Characters int    `json:"characters,omitempty"`
	Error      string `json:"error,omitempty"`
}

// conversation returns the live conversation for traceID, resuming it from
// the log when this process has not seen it yet.
func (e *Engine) conversation(ctx context.Context, traceID string) (*conversation, error) {
	e.mu.Lock()
	conv, ok := e.conversations[traceID]
	e.mu.Unlock()
	if ok {
		return conv, nil
	}
	return e.resume(ctx, traceID)
}

func (e *Engine) resume(ctx context.Context, traceID string) (*conversation, error) {
	info, err := e.log.Conversation(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if info.Ended() {
		return nil, fmt.Errorf("%w: %s", eventstore.ErrConversationClosed, traceID)
	}
	events, err := e.log.Events(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", traceID, err)
	}
	objectives, err := objective.Replay(events)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", traceID, err)
	}
	conv := &conversation{traceID: traceID, objectives: objectives}
	for _, ev := range events {
		if objective.IsObjectiveEvent(ev) {
			conv.active = ev.ObjectiveID
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.conversations[traceID]; ok {
		return existing, nil
	}
	e.conversations[traceID] = conv
	e.logger.Info("conversation resumed from log",
		slog.String("trace_id", traceID),
		slog.Int("events", len(events)),
		slog.Int("objectives", len(objectives)))
	return conv, nil
}

func sortObjectives(objs []objective.Objective) {
	sort.Slice(objs, func(i, j int) bool {
		if !objs[i].CreatedAt.Equal(objs[j].CreatedAt) {
			return objs[i].CreatedAt.Before(objs[j].CreatedAt)
		}
		return objs[i].ID < objs[j].ID
	})
}
