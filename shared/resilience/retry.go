package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFraction float64
	Retryable      func(error) bool
}

// DefaultRetryConfig retries everything three times with exponential
// backoff.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
		Retryable:      func(error) bool { return true },
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes fn until it succeeds, returns a non-retryable error,
// exhausts MaxAttempts, or the context is cancelled.
func Retry(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if config.Retryable != nil && !config.Retryable(err) {
			return err
		}
		if attempt >= config.MaxAttempts {
			break
		}

		delay = nextDelay(delay, config)
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", config.MaxAttempts, lastErr)
}

// nextDelay applies exponential backoff with jitter.
func nextDelay(current time.Duration, config *RetryConfig) time.Duration {
	next := time.Duration(float64(current) * config.BackoffFactor)
	if next > config.MaxDelay {
		next = config.MaxDelay
	}
	if config.JitterFraction > 0 {
		next += time.Duration(rand.Float64() * config.JitterFraction * float64(next))
	}
	return next
}
