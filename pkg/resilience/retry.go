package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig controls exponential backoff. Zero fields take the package
// defaults.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// jitterFraction randomises each delay by up to ±10% so synchronised
// clients do not retry in lockstep.
const jitterFraction = 0.1

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	return c
}

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff,
// stopping early when ctx is cancelled. name labels the operation in logs.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	logger := slog.Default().With("component", "retry", "operation", name)

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if attempt >= cfg.MaxAttempts {
			return fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxAttempts, lastErr)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s retry aborted: %w", name, ctx.Err())
		}

		wait := jitter(delay)
		logger.Warn("attempt failed, backing off",
			"attempt", attempt, "max_attempts", cfg.MaxAttempts,
			"error", lastErr, "backoff", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s retry aborted during backoff: %w", name, ctx.Err())
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	offset := (2*rand.Float64() - 1) * jitterFraction * float64(d)
	return d + time.Duration(offset)
}
