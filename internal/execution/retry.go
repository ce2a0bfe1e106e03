package execution

import (
	"math/rand"
	"time"
)

// RetryConfig bounds the submission retry loop. MaxRetries counts
// retries after the first attempt; Budget is a wall-clock ceiling that
// applies regardless of how many retries remain.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Budget     time.Duration
}

// DefaultRetryConfig retries twice over at most 30 seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Budget:     30 * time.Second,
	}
}

// backoff returns the delay before retry attempt n (1-based):
// exponential from BaseDelay, capped at MaxDelay, with up to 25%
// additive jitter to spread concurrent retries.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			d = c.MaxDelay
			break
		}
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
