package coord

import (
	"context"
)

// limiter bounds the number of workers of a Group running at the same time.
type limiter interface {
	acquire(ctx context.Context) error
	release()
}

// newLimiter returns a boundedLimiter if n > 0, a limiter that never blocks
// otherwise.
func newLimiter(n int) limiter {
	if n > 0 {
		return newBoundedLimiter(n)
	}

	return unbounded{}
}

type unbounded struct{}

func (unbounded) acquire(context.Context) error { return nil }

func (unbounded) release() {}
