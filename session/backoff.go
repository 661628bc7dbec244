package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newBackoff returns a doubling schedule without jitter: base, 2*base,
// 4*base, ... The attempt budget is the only bound.
func newBackoff(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = base << 30
	b.Reset()
	return b
}

// sleepContext waits for d unless ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
