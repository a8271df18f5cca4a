package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/mikey/llm-mail-responder/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Policy is the call discipline applied to one kind of external operation
type Policy struct {
	name    string
	timeout time.Duration
	backoff BackoffConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewPolicy creates a new call policy. A zero timeout disables the per-attempt deadline.
func NewPolicy(name string, timeout time.Duration, backoff BackoffConfig, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff.MaxRetries < 0 {
		backoff.MaxRetries = 0
	}
	return &Policy{
		name:    name,
		timeout: timeout,
		backoff: backoff,
		logger:  logger,
	}
}

// WithLimiter returns a copy of the policy that waits on limiter before each attempt
func (p *Policy) WithLimiter(limiter *rate.Limiter) *Policy {
	cp := *p
	cp.limiter = limiter
	return &cp
}

// Named returns a copy of the policy reporting under a different operation name
func (p *Policy) Named(name string) *Policy {
	cp := *p
	cp.name = name
	return &cp
}

// Name returns the operation name used in logs and metrics
func (p *Policy) Name() string {
	return p.name
}

// Do runs fn until it succeeds, fails permanently, or runs out of attempts
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := ExponentialBackoff(p.backoff)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s cancelled during backoff: %w", p.name, ctx.Err())
			case <-timer.C:
			}
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s rate limit wait: %w", p.name, err)
			}
		}

		attempts++
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%s cancelled: %w", p.name, ctx.Err())
		}
		if IsPermanent(err) {
			p.logger.Warn("External call failed permanently",
				zap.String("operation", p.name),
				zap.Int("attempt", attempts),
				zap.Error(err))
			return err
		}

		p.logger.Warn("External call failed",
			zap.String("operation", p.name),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", p.backoff.MaxRetries+1),
			zap.Error(err))
	}

	return fmt.Errorf("%s failed after %d attempts: %w", p.name, attempts, lastErr)
}

func (p *Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	metrics.ExternalCallDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())

	status := "ok"
	switch {
	case err == nil:
	case IsPermanent(err):
		status = "permanent_error"
	case callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		status = "timeout"
		err = fmt.Errorf("timed out after %s: %w", p.timeout, err)
	default:
		status = "error"
	}
	metrics.ExternalCallsTotal.WithLabelValues(p.name, status).Inc()
	return err
}

// Call is Do for functions that return a value
func Call[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
