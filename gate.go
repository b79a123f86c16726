package coord

import (
	"context"
	"sync"
)

// Gate is a one-shot flag that goroutines can block on until it is raised.
// Once signaled it stays signaled.
type Gate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	signaled bool
}

// NewGate returns a Gate that has not been signaled.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)

	return g
}

// Signal raises the gate and wakes every waiter. Calling it again is harmless.
func (g *Gate) Signal() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.signaled = true
	g.cond.Broadcast()
}

// Signaled reports whether Signal has been called.
func (g *Gate) Signaled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.signaled
}

// Wait blocks until the gate has been signaled.
func (g *Gate) Wait() {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Broadcast may wake us for another reason (a context watcher, another
	// waiter's deadline), so the flag is checked after every wake up.
	for !g.signaled {
		g.cond.Wait()
	}
}

// WaitContext is like Wait but gives up when ctx is done. The returned error
// matches ErrTimedOut if ctx hit its deadline, or wraps ctx.Err() otherwise.
// Giving up never changes the state of the gate.
func (g *Gate) WaitContext(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.signaled {
		return nil
	}

	stop := broadcastOnDone(ctx, &g.mu, g.cond)
	defer stop()

	for !g.signaled {
		if err := ctx.Err(); err != nil {
			return waitError("gate wait", err)
		}
		g.cond.Wait()
	}

	return nil
}

// broadcastOnDone arranges for cond to be broadcast, under mu, once ctx is
// done. The returned func detaches the watcher.
func broadcastOnDone(ctx context.Context, mu sync.Locker, cond *sync.Cond) func() bool {
	return context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()

		cond.Broadcast()
	})
}
