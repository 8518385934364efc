package app

import (
	"context"
	"time"
)

// RetryOnConflict re-runs fn while it fails with a concurrency conflict, up to attempts times.
// fn must reload aggregate state on every call.
func RetryOnConflict[T any](ctx context.Context, attempts int, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		out T
		err error
	)
	for i := range attempts {
		out, err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return out, err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(time.Duration(i+1) * 5 * time.Millisecond):
		}
	}
	return out, err
}
