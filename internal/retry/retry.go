// Package retry provides common retry logic with exponential backoff for fieldsync.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns sensible defaults for PostgreSQL operations
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// HTTPDefaults returns sensible defaults for sync API calls from the client.
// Retrying a push with the same mutation ids is safe: the idempotency ledger
// replays the stored outcome instead of applying the mutation twice.
func HTTPDefaults() *Config {
	return &Config{
		MaxAttempts:   5,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      15 * time.Second,
		JitterPercent: 15, // mobile networks benefit from higher jitter
	}
}

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err != nil {
			logrus.WithError(err).
				WithField("operation", operationName).
				Warn("Operation failed, retrying...")
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Do runs f with the config's backoff. Unlike WithOperation, only errors
// wrapped with RetryableError are retried; everything else fails immediately.
func Do(ctx context.Context, config *Config, f func(ctx context.Context) error) error {
	return retry.Do(ctx, config.CreateBackoff(), f)
}

// RetryableError marks err as transient so Do retries it.
func RetryableError(err error) error {
	return retry.RetryableError(err)
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}
