// Package misc holds small helpers shared by adapters and commands.
package misc

import (
	"context"
	"time"
)

// DefaultBackoff is used for connection bootstrap and remote lookups.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	5 * time.Second,
}

// Retry runs op until it succeeds, returns a non-retryable error, exhausts delays or ctx ends.
func Retry(ctx context.Context, delays []time.Duration, isRetryable func(error) bool, op func() error) error {
	var err error
	for i := 0; ; i++ {
		if err = op(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i >= len(delays) || !isRetryable(err) {
			return err
		}
		t := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, delays []time.Duration, isRetryable func(error) bool, op func() (T, error)) (T, error) {
	var out T
	err := Retry(ctx, delays, isRetryable, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
