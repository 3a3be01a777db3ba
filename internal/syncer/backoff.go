package syncer

import (
	"context"
	"time"

	"github.com/mailloft/syncd/internal/provider"
)

// retryTransient runs fn, retrying transient errors with capped
// exponential backoff until the horizon elapses. Auth and terminal errors
// return immediately; the caller owns refresh and escalation. A unit of
// work that keeps failing past the horizon surfaces its last error as a
// pass-level failure, not an account-level one.
func retryTransient(ctx context.Context, horizon time.Duration, fn func() error) error {
	const (
		baseDelay = 500 * time.Millisecond
		maxDelay  = 15 * time.Second
	)

	deadline := time.Now().Add(horizon)
	delay := baseDelay

	for {
		err := fn()
		if err == nil || !provider.IsTransient(err) {
			return err
		}
		if time.Now().Add(delay).After(deadline) {
			return err
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
