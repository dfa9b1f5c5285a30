package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig tunes Retry's exponential backoff.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// BaseDelay is the delay before the second try; each later try
	// doubles it, up to MaxDelay, with up to 50% random jitter added so
	// concurrent retriers fan out instead of thundering together.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryConfig is the transient-store retry policy: three tries
// starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Retry runs fn up to cfg.Attempts times, sleeping with exponential
// backoff and jitter between failures. The last error is returned on
// exhaustion; the caller surfaces it as a run-level failure. Context
// cancellation aborts the wait immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	delay := cfg.BaseDelay

	var err error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
			delay *= 2
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}
