package coord

import (
	"context"
)

// boundedLimiter hands out at most cap slots. acquire blocks until a slot has
// been given back by release, or until the context is done.
type boundedLimiter struct {
	ch chan struct{}
}

func newBoundedLimiter(cap int) *boundedLimiter {
	return &boundedLimiter{ch: make(chan struct{}, cap)}
}

func (l *boundedLimiter) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *boundedLimiter) release() {
	select {
	case <-l.ch:
	default:
		panic("libqd/coord: limiter released more than acquired")
	}
}

// inUse returns the number of slots currently held.
func (l *boundedLimiter) inUse() int {
	return len(l.ch)
}
