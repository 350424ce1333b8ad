// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Do calls fn until it succeeds, retryable reports false for its error, or the
// attempts are exhausted. fn receives the zero-based attempt number. The last
// error from fn is returned; a context cancelled while waiting returns ctx.Err().
// A nil retryable retries every error.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(attempt int) error) error {
	attempt := 0
	operation := func() error {
		err := fn(attempt)
		attempt++
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, p.backOff(ctx))
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// IsTransient reports whether err looks like a temporary network or deadline
// failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
