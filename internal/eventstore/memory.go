package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLog keeps events in process memory. It backs tests and the
// ephemeral retention mode.
type MemoryLog struct {
	mu     sync.RWMutex
	traces map[string]*memoryTrace
	clock  func() time.Time
}

type memoryTrace struct {
	mu     sync.Mutex
	conv   Conversation
	events []Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{traces: make(map[string]*memoryTrace), clock: time.Now}
}

func (m *MemoryLog) trace(traceID string) (*memoryTrace, error) {
	m.mu.RLock()
	t, ok := m.traces[traceID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, traceID)
	}
	return t, nil
}

func (m *MemoryLog) StartConversation(_ context.Context, traceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.traces[traceID]; ok {
		return fmt.Errorf("%w: %s", ErrConversationExists, traceID)
	}
	m.traces[traceID] = &memoryTrace{conv: Conversation{TraceID: traceID, StartedAt: Stamp(m.clock())}}
	return nil
}

func (m *MemoryLog) EndConversation(_ context.Context, traceID, reason string) error {
	t, err := m.trace(traceID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conv.Ended() {
		return fmt.Errorf("%w: %s", ErrConversationClosed, traceID)
	}
	t.conv.EndedAt = Stamp(m.clock())
	t.conv.EndReason = reason
	return nil
}

func (m *MemoryLog) Conversation(_ context.Context, traceID string) (Conversation, error) {
	t, err := m.trace(traceID)
	if err != nil {
		return Conversation{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conv, nil
}

func (m *MemoryLog) Append(ctx context.Context, traceID string, events ...Event) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := m.trace(traceID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conv.Ended() {
		return nil, fmt.Errorf("%w: %s", ErrConversationClosed, traceID)
	}
	next := int64(len(t.events))
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = prepare(e, traceID, next+int64(i)+1, m.clock)
	}
	t.events = append(t.events, out...)
	return out, nil
}

func (m *MemoryLog) Events(_ context.Context, traceID string) ([]Event, error) {
	t, err := m.trace(traceID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out, nil
}

func (m *MemoryLog) Close() error { return nil }

func prepare(e Event, traceID string, seq int64, clock func() time.Time) Event {
	e.TraceID = traceID
	e.Sequence = seq
	if e.Version == 0 {
		e.Version = 1
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = clock()
	}
	e.Timestamp = Stamp(e.Timestamp)
	if e.Payload != nil {
		e.Payload = append([]byte(nil), e.Payload...)
	}
	return e
}
