package service

import (
	"context"
	"time"
)

// Every runs fn once per interval until fn reports done, fn fails, ctx is
// cancelled or attempts ticks have elapsed. A non-positive attempts value
// means no limit. The first call happens after one interval.
// It returns ErrAttemptsExhausted when the attempts run out.
func Every(ctx context.Context, interval time.Duration, attempts int, fn func(ctx context.Context, attempt int) (done bool, err error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempts <= 0 || attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrAttemptsExhausted
}
