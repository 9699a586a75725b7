// Package retry provides the bounded retry policy shared by source adapters
// and notifiers. Retries never outlive the caller's context deadline.
package retry

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gigwatch/services/watcher/internal/errors"
)

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Retryable decides whether a failed attempt is worth repeating.
	// Defaults to errors.IsRetryable.
	Retryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxRetries, or the next delay would cross ctx's deadline.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}

	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx, maxRetries))

	// backoff reports a cancelled wait as the bare context error
	var de *errors.DomainError
	if err != nil && ctx.Err() != nil && !stderrors.As(err, &de) {
		return errors.DeadlineExceeded("context ended while retrying", err)
	}
	return err
}

func (p Policy) backOff(ctx context.Context, maxRetries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(maxRetries))
	b = &deadlineBackOff{BackOff: b, ctx: ctx}
	return backoff.WithContext(b, ctx)
}

type deadlineBackOff struct {
	backoff.BackOff
	ctx context.Context
}

func (d *deadlineBackOff) NextBackOff() time.Duration {
	next := d.BackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if deadline, ok := d.ctx.Deadline(); ok && time.Now().Add(next).After(deadline) {
		return backoff.Stop
	}
	return next
}

// CallTimeout bounds a single blocking call to max, shortened so the call
// ends strictly before ctx's deadline.
func CallTimeout(ctx context.Context, max time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return max
	}
	remaining := time.Until(deadline)
	budget := remaining - remaining/10
	if budget <= 0 {
		return time.Millisecond
	}
	if max > 0 && max < budget {
		return max
	}
	return budget
}
