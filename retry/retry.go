// Package retry runs storage operations with a bounded number of attempts and
// exponential backoff with jitter between them. Only errors classified as
// retryable by interfaces.IsRetryable are retried; semantic failures such as
// not-found or checksum mismatches are returned immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/spacestore/interfaces"
)

// Policy bounds the attempts of a retried operation.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultPolicy returns three attempts with 500ms initial backoff doubling up to 10s, +/-50% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// Notify is called before sleeping ahead of the next attempt.
type Notify func(err error, attempt int, wait time.Duration)

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor >= 0 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	// Attempts are bounded by count, not elapsed time.
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do calls op until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && !interfaces.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notifyFn backoff.Notify
	if notify != nil {
		notifyFn = func(err error, wait time.Duration) {
			notify(err, attempt, wait)
		}
	}

	return backoff.RetryNotify(operation, p.backOff(ctx), notifyFn)
}

// Call is Do for operations returning a value.
func Call[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	}, notify)
	return result, err
}
