// Package resilience wraps external calls with per-attempt timeouts,
// bounded exponential backoff and optional rate limiting.
//
// Errors wrapped with Permanent stop the retry loop immediately. A
// cancelled parent context is never retried.
package resilience

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls the delay between attempts
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// DefaultBackoffConfig returns the backoff used when nothing is configured
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// ExponentialBackoff returns the delay before the given retry attempt (1-based)
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		multiplier := config.Multiplier
		if multiplier < 1 {
			multiplier = 1
		}
		interval := float64(config.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)
		if config.Jitter && duration/2 > 0 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}
		return duration
	}
}

// PermanentError marks a failure that must not be retried
type PermanentError struct {
	Err error
}

func (p *PermanentError) Error() string {
	return p.Err.Error()
}

func (p *PermanentError) Unwrap() error {
	return p.Err
}

// Permanent wraps err so retry loops stop immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
