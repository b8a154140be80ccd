// Package retry retries transient failures with backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy defines how the wait between attempts grows.
type BackoffStrategy int

const (
	// BackoffExponential waits base * 2^(attempt-1).
	BackoffExponential BackoffStrategy = iota

	// BackoffLinear waits base * attempt.
	BackoffLinear

	// BackoffConstant always waits base.
	BackoffConstant
)

// BackoffConfig configures the backoff behavior.
type BackoffConfig struct {
	// Strategy is the backoff strategy to use.
	// Default is BackoffExponential.
	Strategy BackoffStrategy

	// BaseInterval is the wait after the first failed attempt.
	BaseInterval time.Duration

	// MaxInterval caps a single wait. Zero means no cap.
	MaxInterval time.Duration

	// Jitter adds randomness to prevent thundering herd.
	// Value between 0.0 (no jitter) and 1.0 (full jitter).
	Jitter float64
}

// DefaultBackoffConfig returns the backoff used for upstream HTTP lookups.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: 500 * time.Millisecond,
		MaxInterval:  10 * time.Second,
		Jitter:       0.1,
	}
}

// Interval returns the wait after the given failed attempt, counting from 1.
func (c *BackoffConfig) Interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var interval time.Duration

	switch c.Strategy {
	case BackoffLinear:
		interval = c.BaseInterval * time.Duration(attempt)
	case BackoffConstant:
		interval = c.BaseInterval
	default:
		multiplier := math.Pow(2, float64(attempt-1))
		interval = time.Duration(float64(c.BaseInterval) * multiplier)
	}

	if c.MaxInterval > 0 && interval > c.MaxInterval {
		interval = c.MaxInterval
	}

	if c.Jitter > 0 {
		interval = c.applyJitter(interval)
	}
	return interval
}

func (c *BackoffConfig) applyJitter(interval time.Duration) time.Duration {
	jitter := c.Jitter
	if jitter > 1 {
		jitter = 1
	}

	// random in [-jitterRange, +jitterRange]
	jitterRange := float64(interval) * jitter
	jitterValue := (rand.Float64()*2 - 1) * jitterRange

	return time.Duration(float64(interval) + jitterValue)
}

// Schedule returns the waits for the given number of retries, without
// jitter. Useful for logging the expected schedule.
func (c *BackoffConfig) Schedule(retries int) []time.Duration {
	if retries <= 0 {
		return nil
	}

	noJitter := *c
	noJitter.Jitter = 0

	schedule := make([]time.Duration, retries)
	for i := range retries {
		schedule[i] = noJitter.Interval(i + 1)
	}
	return schedule
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, or has been
// retried the given number of times. It waits between attempts according to
// cfg (DefaultBackoffConfig when nil) and stops early when ctx is done.
// The last error from fn is returned.
func Do(ctx context.Context, cfg *BackoffConfig, retries int, fn func(ctx context.Context) error) error {
	if cfg == nil {
		cfg = DefaultBackoffConfig()
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt > retries {
			return err
		}

		t := time.NewTimer(cfg.Interval(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
