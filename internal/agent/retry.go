package agent

import (
	"context"
	"math/rand"
	"time"

	"github.com/gentlabs/gent/internal/provider"
)

// backoffConfig bounds retries of transient provider failures (rate limits,
// overload, 5xx).
type backoffConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

func defaultBackoff() backoffConfig {
	return backoffConfig{
		maxAttempts:  5,
		initialDelay: 500 * time.Millisecond,
		maxDelay:     30 * time.Second,
	}
}

// retryTransient runs op until it succeeds, fails permanently, or the attempt
// budget runs out. Delays double per attempt with [0.5, 1.5) jitter.
func retryTransient(ctx context.Context, cfg backoffConfig, op func() error) error {
	delay := cfg.initialDelay
	var err error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = op()
		if err == nil || !provider.IsTransient(err) || attempt >= cfg.maxAttempts {
			return err
		}
		sleep := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
	}
}
