package resilience

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tinytelemetry/outpost/internal/model"
)

// RetryPolicy is an exponential backoff schedule with bounded jitter.
// MaxRetries counts every attempt, including the first.
type RetryPolicy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, doubling up to 30s,
// with ±10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   model.DefaultMaxRetries,
		BaseDelay:    model.DefaultBaseDelay,
		MaxDelay:     model.DefaultMaxDelay,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

// Attempts returns MaxRetries, but never less than one.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// BaseDelayFor returns min(BaseDelay * Multiplier^(attempt-1), MaxDelay)
// for a 1-based attempt number.
func (p RetryPolicy) BaseDelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns BaseDelayFor(attempt) shifted by a uniform random amount in
// [-JitterFactor, +JitterFactor] of that value.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelayFor(attempt)
	jf := math.Min(math.Max(p.JitterFactor, 0), 1)
	if jf == 0 || d <= 0 {
		return d
	}
	offset := (rand.Float64()*2 - 1) * jf * float64(d)
	return time.Duration(float64(d) + offset)
}

// NewBackOff returns a backoff.BackOff that yields Delay(1), Delay(2), ...
// and stops once Attempts() attempts have been made.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.policy.Attempts() {
		return backoff.Stop
	}
	return b.policy.Delay(b.attempt)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}
