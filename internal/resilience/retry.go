// Package resilience provides the retry schedule and circuit breaker that
// guard every outbound send.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// RetryNotify is called after each failed attempt that will be retried.
type RetryNotify func(err error, attempt int, wait time.Duration)

// Retry runs op up to policy.Attempts() times. Before each attempt the
// breaker (which may be nil) is consulted; a denied attempt fails at once
// with an error wrapping ErrCircuitOpen. Errors wrapped with Permanent stop
// the loop early. The last failure is returned.
func Retry(ctx context.Context, policy RetryPolicy, breaker *CircuitBreaker, op func(ctx context.Context) error) error {
	return RetryWithNotify(ctx, policy, breaker, op, nil)
}

// RetryWithNotify is Retry with a hook for logging or metrics.
func RetryWithNotify(ctx context.Context, policy RetryPolicy, breaker *CircuitBreaker, op func(ctx context.Context) error, notify RetryNotify) error {
	var (
		attempt int
		lastErr error
	)
	operation := func() error {
		if breaker != nil && !breaker.AllowRequest() {
			if lastErr != nil {
				return backoff.Permanent(fmt.Errorf("%w (last error: %v)", ErrCircuitOpen, lastErr))
			}
			return backoff.Permanent(ErrCircuitOpen)
		}
		attempt++
		err := op(ctx)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		lastErr = err
		return err
	}

	b := backoff.WithContext(policy.NewBackOff(), ctx)
	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(err, attempt, wait) }
	}
	return backoff.RetryNotify(operation, b, n)
}
