package coord

import (
	"context"
	"sync"
)

// Rendezvous is a reusable barrier for a fixed number of participants.
//
// Each call to Await blocks until capacity participants have called it in the
// same round, then all of them are released together and a new round starts.
// Rounds are told apart by a generation counter, so a participant looping
// back into Await can never be matched with arrivals of the round it just
// left.
type Rendezvous struct {
	mu   sync.Mutex
	cond *sync.Cond

	// number of participants per round
	capacity int
	// participants waiting in the current round
	arrived int
	// number of completed rounds
	generation uint64
	// participants between entering and leaving Await, across rounds
	inside int
}

// NewRendezvous returns a Rendezvous for capacity participants. It panics with
// a *MisuseError if capacity is lower than 1.
func NewRendezvous(capacity int) *Rendezvous {
	if capacity < 1 {
		panic(newMisuseError("new rendezvous", "capacity must be >= 1, got %d", capacity))
	}

	r := &Rendezvous{capacity: capacity}
	r.cond = sync.NewCond(&r.mu)

	return r
}

// Await blocks until every participant of the current round has arrived.
//
// It returns a *MisuseError, without joining any round, when capacity
// participants are already inside Await.
func (r *Rendezvous) Await() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inside >= r.capacity {
		return newMisuseError("rendezvous await", "more than %d concurrent participants", r.capacity)
	}

	gen, released := r.arriveLocked()
	if !released {
		for gen == r.generation {
			r.cond.Wait()
		}
	}

	r.inside--

	return nil
}

// AwaitContext is like Await but gives up when ctx is done. A participant that
// gives up withdraws its arrival so the others can still complete the round
// with a replacement. If the round completes at the same time ctx is done, the
// release wins and nil is returned.
func (r *Rendezvous) AwaitContext(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inside >= r.capacity {
		return newMisuseError("rendezvous await", "more than %d concurrent participants", r.capacity)
	}

	if err := ctx.Err(); err != nil {
		return waitError("rendezvous await", err)
	}

	gen, released := r.arriveLocked()
	if released {
		r.inside--
		return nil
	}

	stop := broadcastOnDone(ctx, &r.mu, r.cond)
	defer stop()

	for gen == r.generation {
		if err := ctx.Err(); err != nil {
			r.arrived--
			r.inside--
			return waitError("rendezvous await", err)
		}
		r.cond.Wait()
	}

	r.inside--

	return nil
}

// arriveLocked records an arrival and, if it completes the round, releases
// it. It returns the generation the caller arrived in.
func (r *Rendezvous) arriveLocked() (gen uint64, released bool) {
	r.inside++
	r.arrived++
	gen = r.generation

	if r.arrived == r.capacity {
		r.arrived = 0
		r.generation++
		r.cond.Broadcast()
		return gen, true
	}

	return gen, false
}

// Capacity returns the number of participants per round.
func (r *Rendezvous) Capacity() int {
	return r.capacity
}

// Arrived returns the number of participants waiting in the current round.
func (r *Rendezvous) Arrived() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.arrived
}

// Generation returns the number of completed rounds.
func (r *Rendezvous) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.generation
}
