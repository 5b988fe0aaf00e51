package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewRegistry(3, 10*time.Second, WithClock(clock.Now)), clock
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	r, _ := newTestRegistry()
	b := r.Get("primary")

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.True(t, b.Allow(), "success resets the consecutive count")

	b.Failure()
	assert.Equal(t, Open, b.Status().State)
	assert.False(t, b.Allow())
}

func TestHalfOpenAdmitsOneTrial(t *testing.T) {
	r, clock := newTestRegistry()
	b := r.Get("primary")
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())

	clock.Advance(2 * time.Second)
	require.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.Status().State)
	assert.False(t, b.Allow(), "only one trial while half open")

	b.Success()
	assert.Equal(t, Closed, b.Status().State)
	assert.True(t, b.Allow())
}

func TestFailedTrialReopens(t *testing.T) {
	r, clock := newTestRegistry()
	b := r.Get("primary")
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.Advance(11 * time.Second)
	require.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, Open, b.Status().State)
	assert.False(t, b.Allow())
}

func TestReleasedTrialCanBeRetried(t *testing.T) {
	r, clock := newTestRegistry()
	b := r.Get("primary")
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.Advance(11 * time.Second)
	require.True(t, b.Allow())
	b.Release()
	assert.True(t, b.Allow())
}

func TestRegistrySharesBreakers(t *testing.T) {
	r, _ := newTestRegistry()
	assert.Same(t, r.Get("a"), r.Get("a"))
	r.Get("b").Failure()
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, 1, snap[1].Failures)
}

func TestConcurrentUse(t *testing.T) {
	r, _ := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := r.Get("shared")
			if b.Allow() {
				if i%2 == 0 {
					b.Failure()
				} else {
					b.Success()
				}
			}
			_ = r.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Snapshot(), 1)
}
