package storage

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const (
	retryAttempts = 3
	retryBase     = 2 * time.Second
	retryJitter   = 0.25
)

// WithRetry runs fn up to three times, backing off exponentially from a
// 2-second base with ±25% jitter. Only transient errors are retried;
// permanent errors and context cancellation return immediately.
func WithRetry(ctx context.Context, log *zap.Logger, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == retryAttempts {
			return err
		}

		delay := backoffDelay(attempt)
		log.Warn("transient storage failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// backoffDelay returns base·2^(attempt-1) with ±25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
