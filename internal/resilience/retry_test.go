package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   attempts,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

func TestBaseDelayMonotonic(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.BaseDelayFor(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, p.BaseDelayFor(1))
	assert.Equal(t, 400*time.Millisecond, p.BaseDelayFor(3))
	assert.Equal(t, 2*time.Second, p.BaseDelayFor(10))
}

func TestDelayJitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 3, JitterFactor: 0.2}
	for attempt := 1; attempt <= 6; attempt++ {
		base := float64(p.BaseDelayFor(attempt))
		for i := 0; i < 200; i++ {
			d := float64(p.Delay(attempt))
			assert.GreaterOrEqual(t, d, base*0.8)
			assert.LessOrEqual(t, d, base*1.2)
		}
	}
}

func TestDelayWithoutJitterIsExact(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
	assert.Equal(t, 4*time.Second, p.Delay(3))
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(2), nil, func(context.Context) error {
		calls++
		return errors.New("fail " + string(rune('0'+calls)))
	})
	require.Error(t, err)
	assert.Equal(t, "fail 2", err.Error())
	assert.Equal(t, 2, calls)
}

func TestRetrySingleAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(1), nil, func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	err := Retry(context.Background(), fastPolicy(5), nil, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestRetryDeniedByOpenBreaker(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	b.RecordFailure()

	calls := 0
	start := time.Now()
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}, b, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryTripsBreakerMidway(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{Threshold: 2, Cooldown: time.Hour})
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), b, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateOpen, b.State())
}

func TestRetryRecordsSuccessOnBreaker(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{Threshold: 3, Cooldown: time.Hour})
	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, Retry(context.Background(), fastPolicy(1), b, func(context.Context) error { return nil }))
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxRetries: 10, BaseDelay: time.Hour}, nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryNotify(t *testing.T) {
	var attempts []int
	_ = RetryWithNotify(context.Background(), fastPolicy(3), nil, func(context.Context) error {
		return errors.New("fail")
	}, func(_ error, attempt int, _ time.Duration) {
		attempts = append(attempts, attempt)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}
