package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds retries of idempotent reads.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Transient reports whether err is worth retrying for a read: pgx marks errors
// that happened before the server saw the statement as safe, and timeouts are
// retried as well.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// RetryRead runs fn until it succeeds, returns a non-transient error, or the
// policy is exhausted. Backoff doubles after each failed attempt.
func RetryRead[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Backoff

	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !Transient(err) || i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return zero, lastErr
}
