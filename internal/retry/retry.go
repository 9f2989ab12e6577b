// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"
)

// Policy describes how failures are retried. Delay before attempt k is
// InitialDelay * Multiplier^(k-1), capped at MaxDelay.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retriable decides whether an error is worth another attempt. A nil
	// Retriable retries every error.
	Retriable func(error) bool
}

// sleep is swapped out in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, the error is classified permanent, or the
// retry budget is spent. The budget allows MaxRetries retries on top of the
// first attempt. On failure the zero value of T is returned together with
// the last error, unwrapped, so callers classify exactly what op produced.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.delay(attempt-1)); err != nil {
				return zero, err
			}
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if p.Retriable != nil && !p.Retriable(err) {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// DoVoid runs an operation with no result under the same policy.
func DoVoid(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
