package resilience

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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{Threshold: 3, Cooldown: time.Minute, Now: clock.Now})

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.AllowRequest())
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.False(t, b.AllowRequest())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{Threshold: 2, Cooldown: time.Minute})
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{Threshold: 1, Cooldown: 30 * time.Second, Now: clock.Now})

	b.RecordFailure()
	require.False(t, b.AllowRequest())

	clock.Advance(29 * time.Second)
	assert.False(t, b.AllowRequest())

	clock.Advance(time.Second)
	assert.True(t, b.AllowRequest(), "cooldown elapsed, breaker should allow a probe")
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{Threshold: 1, Cooldown: 10 * time.Second, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(10 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// cooldown window restarts from the half-open failure
	clock.Advance(9 * time.Second)
	assert.False(t, b.AllowRequest())
	clock.Advance(time.Second)
	assert.True(t, b.AllowRequest())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Second, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
}

func TestBreakerStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := NewCircuitBreaker(BreakerConfig{
		Threshold: 1,
		Cooldown:  time.Second,
		Now:       clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	clock.Advance(time.Second)
	b.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerReset(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.AllowRequest())
	snap := b.Snapshot()
	assert.Equal(t, "closed", snap.State)
	assert.True(t, snap.OpenedAt.IsZero())
}
