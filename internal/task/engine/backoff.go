package engine

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Backoff returns min(base * 2^attempts, maxDelay). It is deterministic and
// non-decreasing in attempts.
func Backoff(base, maxDelay time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// retryDelay applies a RetryAfter hint when err carries one, bounded by
// maxDelay, and falls back to Backoff otherwise.
func retryDelay(base, maxDelay time.Duration, attempts int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if maxDelay > 0 && d > maxDelay {
			d = maxDelay
		}
		return d
	}
	return Backoff(base, maxDelay, attempts)
}
