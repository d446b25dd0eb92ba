package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds retries of transient backend errors with exponential
// backoff. MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return b
}

// retry runs op until it succeeds, returns a non transient error or the
// policy runs out of attempts. notify is called before every wait.
func retry[R any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (R, error), notify func(err error, wait time.Duration)) (R, error) {
	p = p.normalize()
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, func() (R, error) {
		out, err := op(ctx)
		if err != nil && !isTransient(ctx, err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, opts...)
}

// isTransient reports whether a backend error is worth retrying. Caller
// cancellation and contract errors are not.
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrStoreClosed),
		errors.Is(err, ErrLeaseNotFound),
		errors.Is(err, ErrLeaseExpired),
		errors.Is(err, ErrItemExists):
		return false
	}
	return true
}
