package objective

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-capture/internal/eventstore"
)

// Encode turns a decided change into an unsequenced log record.
func Encode(c Change, at time.Time) (eventstore.Event, error) {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("encode %s: %w", c.Type, err)
	}
	return eventstore.Event{
		Type:        string(c.Type),
		Version:     EventVersion,
		ObjectiveID: c.Payload.ObjectiveID,
		Payload:     payload,
		Timestamp:   at,
	}, nil
}

// IsObjectiveEvent reports whether the log record belongs to an objective.
func IsObjectiveEvent(ev eventstore.Event) bool {
	return strings.HasPrefix(ev.Type, "objective_")
}

// Decode reads an objective change back from a log record.
func Decode(ev eventstore.Event) (Change, error) {
	if ev.Version != EventVersion {
		return Change{}, fmt.Errorf("%s: unsupported event version %d", ev.Type, ev.Version)
	}
	var p Payload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return Change{}, fmt.Errorf("decode %s #%d: %w", ev.Type, ev.Sequence, err)
	}
	return Change{Type: EventType(ev.Type), Payload: p}, nil
}

// Replay folds a conversation's events in sequence order and returns every
// objective it mentions. Non-objective events are skipped.
func Replay(events []eventstore.Event) (map[string]Objective, error) {
	out := make(map[string]Objective)
	var last int64
	for _, ev := range events {
		if ev.Sequence <= last {
			return nil, fmt.Errorf("event sequence %d out of order after %d", ev.Sequence, last)
		}
		last = ev.Sequence
		if !IsObjectiveEvent(ev) {
			continue
		}
		c, err := Decode(ev)
		if err != nil {
			return nil, err
		}
		obj, err := Apply(out[c.Payload.ObjectiveID], c, ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("replay #%d: %w", ev.Sequence, err)
		}
		out[obj.ID] = obj
	}
	return out, nil
}
