// Package resilience provides the retry and circuit-breaker policies used
// around transport publishes and ledger transfers.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts     int              // maximum number of attempts
	InitialDelay    time.Duration    // delay before the second attempt
	MaxDelay        time.Duration    // backoff ceiling
	Multiplier      float64          // exponential backoff multiplier
	RandomizeFactor float64          // jitter factor (0-1)
	RetryIf         func(error) bool // nil retries every error
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         IsRetryable,
	}
}

// RetryWithConfig executes fn until it succeeds, is deemed non-retryable, or
// the attempt budget is exhausted.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if config.RetryIf != nil && !config.RetryIf(err) {
				return err
			}
		}

		if attempt < config.MaxAttempts-1 {
			select {
			case <-time.After(applyJitter(delay, config.RandomizeFactor)):
			case <-ctx.Done():
				return ctx.Err()
			}

			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
	}

	return ErrMaxRetriesExceeded{Attempts: config.MaxAttempts, LastErr: lastErr}
}

// Retry executes fn with the default retry configuration.
func Retry(ctx context.Context, fn func() error) error {
	return RetryWithConfig(ctx, DefaultRetryConfig(), fn)
}

func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	jitter := float64(delay) * factor
	min := float64(delay) - jitter
	max := float64(delay) + jitter
	return time.Duration(min + rand.Float64()*(max-min))
}

// IsRetryable reports whether an error should trigger another attempt.
// Context cancellation never does.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// ErrMaxRetriesExceeded is returned when the attempt budget runs out.
type ErrMaxRetriesExceeded struct {
	Attempts int
	LastErr  error
}

func (e ErrMaxRetriesExceeded) Error() string {
	if e.LastErr != nil {
		return "max retries exceeded: " + e.LastErr.Error()
	}
	return "max retries exceeded"
}

func (e ErrMaxRetriesExceeded) Unwrap() error {
	return e.LastErr
}
