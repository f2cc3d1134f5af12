package transport

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how remote calls are retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterPercent  uint64
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is five attempts with jittered exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       5,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		JitterPercent:  20,
		AttemptTimeout: 2 * time.Minute,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.JitterPercent > 100 {
		p.JitterPercent = 100
	}
	return p
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	return retry.WithMaxRetries(uint64(p.Attempts-1), b)
}

// Do calls fn until it succeeds, fails permanently or the budget runs out.
// onRetry, if set, is invoked before every retry with the failed attempt
// number. Any failure is returned as an *Error.
func (p RetryPolicy) Do(ctx context.Context, op, key string, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	p = p.normalized()

	attempts := 0
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil || attempts >= p.Attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempts, err)
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Attempts: attempts, Err: err}
}
