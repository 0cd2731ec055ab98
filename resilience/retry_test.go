package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxAttempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     maxAttempts,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		RandomizeFactor: 0,
		RetryIf:         IsRetryable,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := RetryWithConfig(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("Expected success, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := RetryWithConfig(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient failure")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	testError := errors.New("persistent failure")
	calls := 0
	err := RetryWithConfig(context.Background(), fastConfig(3), func() error {
		calls++
		return testError
	})

	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	var exceeded ErrMaxRetriesExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if exceeded.Attempts != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", exceeded.Attempts)
	}
	if !errors.Is(err, testError) {
		t.Error("Expected the last error to be wrapped")
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	cfg := fastConfig(5)
	cfg.RetryIf = func(err error) bool { return false }

	testError := errors.New("hard failure")
	err := RetryWithConfig(context.Background(), cfg, func() error {
		calls++
		return testError
	})

	if !errors.Is(err, testError) {
		t.Errorf("Expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call for a non-retryable error, got %d", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryWithConfig(ctx, fastConfig(3), func() error {
		calls++
		return errors.New("should not matter")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no calls on a cancelled context, got %d", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled must not be retryable")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded must not be retryable")
	}
	if !IsRetryable(errors.New("network blip")) {
		t.Error("an ordinary error should be retryable")
	}
}
