// Package breaker provides the process-wide circuit breakers that guard
// speech providers. One Registry is built per process and shared by
// reference; breakers are keyed by provider name.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Breaker opens after threshold consecutive failures, admits a single trial call
// once the cooldown has elapsed, and closes again when the trial succeeds.
type Breaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	onChange  func(name string, from, to State)

	state    State
	failures int
	openedAt time.Time
	trying   bool
	trialAt  time.Time
}

// Allow reports whether a call may go to the provider now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	switch b.state {
	case Open:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(HalfOpen)
		b.trying, b.trialAt = true, now
		return true
	case HalfOpen:
		// A trial that never reported back is abandoned after a cooldown.
		if b.trying && now.Sub(b.trialAt) < b.cooldown {
			return false
		}
		b.trying, b.trialAt = true, now
		return true
	}
	return true
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trying = false
	b.transition(Closed)
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trying = false
	if b.state == HalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

// Release gives back an admitted call that ended without an outcome, such
// as one cancelled by barge-in.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trying = false
}

func (b *Breaker) open() {
	b.openedAt = b.clock()
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Failures int       `json:"consecutive_failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{Name: b.name, State: b.state, Failures: b.failures}
	if b.state != Closed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// Registry holds one breaker per provider name.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

type Option func(*Registry)

// WithClock replaces the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func NewRegistry(threshold int, cooldown time.Duration, opts ...Option) *Registry {
	if threshold <= 0 {
		threshold = 1
	}
	r := &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating it closed on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := &Breaker{
		name:      name,
		threshold: r.threshold,
		cooldown:  r.cooldown,
		clock:     r.clock,
		state:     Closed,
		onChange:  r.logChange,
	}
	r.breakers[name] = b
	return b
}

func (r *Registry) logChange(name string, from, to State) {
	if r.logger == nil {
		return
	}
	r.logger.Info("circuit breaker state changed",
		slog.String("provider", name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

// Snapshot lists every breaker sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
