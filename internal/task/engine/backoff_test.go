package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	base := 10 * time.Second
	maxDelay := 5 * time.Minute

	prev := time.Duration(0)
	for attempts := 0; attempts < 64; attempts++ {
		d := Backoff(base, maxDelay, attempts)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
		assert.LessOrEqual(t, d, maxDelay, "attempts=%d", attempts)
		prev = d
	}
	assert.Equal(t, 10*time.Second, Backoff(base, maxDelay, 0))
	assert.Equal(t, 20*time.Second, Backoff(base, maxDelay, 1))
	assert.Equal(t, 80*time.Second, Backoff(base, maxDelay, 3))
	assert.Equal(t, maxDelay, Backoff(base, maxDelay, 10))
}

func TestBackoff_Deterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		assert.Equal(t, Backoff(time.Second, time.Hour, 4), Backoff(time.Second, time.Hour, 4))
	}
}

func TestRetryDelay_HonoursHintWithinCap(t *testing.T) {
	err := RetryAfter(errors.New("429"), 7*time.Minute)
	assert.Equal(t, 7*time.Minute, retryDelay(time.Second, time.Hour, 1, err))
	assert.Equal(t, time.Hour, retryDelay(time.Second, time.Hour, 1, RetryAfter(errors.New("429"), 3*time.Hour)))
	assert.Equal(t, 2*time.Second, retryDelay(time.Second, time.Hour, 1, errors.New("plain")))
}

func TestNoRetry(t *testing.T) {
	assert.Nil(t, NoRetry(nil))
	err := NoRetry(errors.New("bad input"))
	assert.True(t, IsNoRetry(err))
	assert.False(t, IsNoRetry(errors.New("bad input")))
}
