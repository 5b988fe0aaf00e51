package eventstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event is an immutable, sequenced record in a conversation's log.
type Event struct {
	TraceID     string    `json:"trace_id"`
	Sequence    int64     `json:"sequence_number"`
	Type        string    `json:"event_type"`
	Version     int       `json:"version"`
	ObjectiveID string    `json:"objective_id,omitempty"`
	Payload     []byte    `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

// Conversation is the lifecycle row of one trace.
type Conversation struct {
	TraceID   string
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string
}

func (c Conversation) Ended() bool { return !c.EndedAt.IsZero() }

var (
	ErrConversationClosed  = errors.New("conversation closed")
	ErrConversationExists  = errors.New("conversation already started")
	ErrUnknownConversation = errors.New("unknown conversation")
)

// Log is the append-only, per-trace ordered event log. It is the only
// authoritative record of objective state.
type Log interface {
	StartConversation(ctx context.Context, traceID string) error
	EndConversation(ctx context.Context, traceID, reason string) error
	Conversation(ctx context.Context, traceID string) (Conversation, error)
	// Append writes events atomically, assigning consecutive sequence
	// numbers after the last one recorded for traceID.
	Append(ctx context.Context, traceID string, events ...Event) ([]Event, error)
	// Events returns every event of traceID ordered by sequence.
	Events(ctx context.Context, traceID string) ([]Event, error)
	Close() error
}

// Stamp truncates t to what the log stores so a timestamp used live
// compares equal to the one read back.
func Stamp(t time.Time) time.Time {
	return time.Unix(0, t.UnixNano()).UTC()
}

// traceLocks serializes appends per trace so different traces never
// contend.
type traceLocks struct {
	mu    sync.Mutex
	locks map[string]*traceLock
}

type traceLock struct {
	sync.Mutex
	refs int
}

func (l *traceLocks) lock(traceID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*traceLock)
	}
	tl, ok := l.locks[traceID]
	if !ok {
		tl = &traceLock{}
		l.locks[traceID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.Lock()
	return func() {
		tl.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, traceID)
		}
		l.mu.Unlock()
	}
}
