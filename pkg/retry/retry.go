// Package retry runs store operations under a per-attempt timeout and
// retries infrastructure failures with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-ledger/internal/types"
)

// Policy bounds how long a single attempt may take and how often it is retried.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Timeout:     2 * time.Second,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    time.Second,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultPolicy.Timeout
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		return p.BaseDelay
	}
	if attempt > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<attempt)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Each attempt gets its own deadline; a deadline
// overrun is reported as an InfrastructureError for op.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = attemptOnce(ctx, p.Timeout, op, fn)
		if err == nil || !types.IsRetryable(err) {
			return err
		}

		if attempt < p.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return types.NewInfrastructureError(op, ctx.Err())
			case <-time.After(p.Backoff(attempt)):
			}
		}
	}
	return err
}

func attemptOnce(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.NewInfrastructureError(op, err)
	}
	return err
}
