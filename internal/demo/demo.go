// Package demo runs the classic mutex, condition variable and barrier
// exercises on top of coord, one coord.Phase per exercise.
package demo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sylr.dev/libqd/coord"
)

// ErrCheckFailed is returned by a phase whose report breaks an expected
// property.
var ErrCheckFailed = errors.New("demo: check failed")

// Options parameterizes the demos.
type Options struct {
	// Workers incrementing the counter.
	Workers int
	// Waiters blocked on the gate.
	Waiters int
	// Delay before the gate is signaled, and unit of work in the rendezvous demo.
	Delay time.Duration
	// Participants of the rendezvous.
	Participants int
	// Rounds of the rendezvous.
	Rounds int
	// Timeout given to the impatient waiter of the timeout demo. It must be
	// shorter than Delay.
	Timeout time.Duration
}

// DefaultOptions reproduces the classic lab setup: two incrementers, three
// gate waiters, two participants working 1s and 3s before meeting.
func DefaultOptions() Options {
	return Options{
		Workers:      2,
		Waiters:      3,
		Delay:        time.Second,
		Participants: 2,
		Rounds:       1,
		Timeout:      250 * time.Millisecond,
	}
}

// Phases returns every demo in order: counter, gate, rendezvous, timeout.
func Phases(opts Options, log logrus.FieldLogger) []coord.Phase {
	return []coord.Phase{
		CounterPhase(opts, log),
		GatePhase(opts, log),
		RendezvousPhase(opts, log),
		TimeoutPhase(opts, log),
	}
}

// -- counter ------------------------------------------------------------------

// CounterReport is the outcome of the counter demo.
type CounterReport struct {
	Workers int
	Final   int64
}

// RunCounter has n workers increment a shared Counter once each.
func RunCounter(ctx context.Context, g *coord.Group, n int, log logrus.FieldLogger) (CounterReport, error) {
	counter := coord.NewCounter()
	handles := make([]*coord.Handle, 0, n)

	for i := 0; i < n; i++ {
		h, err := coord.Spawn(g, func(ctx context.Context, id int, c *coord.Counter) error {
			v := c.Increment()
			log.WithFields(logrus.Fields{"worker": id, "value": v}).Info("incremented counter")
			return nil
		}, counter)
		if err != nil {
			return CounterReport{}, err
		}
		handles = append(handles, h)
	}

	if err := joinAll(handles); err != nil {
		return CounterReport{}, err
	}

	return CounterReport{Workers: n, Final: counter.Read()}, nil
}

// CounterPhase wraps RunCounter and checks that no increment was lost.
func CounterPhase(opts Options, log logrus.FieldLogger) coord.Phase {
	return coord.Phase{
		Name: "counter",
		Run: func(ctx context.Context, g *coord.Group) error {
			r, err := RunCounter(ctx, g, opts.Workers, log)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"workers": r.Workers, "final": r.Final}).Info("counter demo done")
			if r.Final != int64(r.Workers) {
				return fmt.Errorf("%w: counter is %d after %d increments", ErrCheckFailed, r.Final, r.Workers)
			}
			return nil
		},
	}
}

// -- gate ---------------------------------------------------------------------

// GateReport is the outcome of the gate demo. Ticks come from a logical clock
// kept outside the gate.
type GateReport struct {
	SignalTick  int64
	WaiterTicks []int64
}

// Early returns the number of waiters that returned before the signal.
func (r GateReport) Early() int {
	n := 0
	for _, tick := range r.WaiterTicks {
		if tick <= r.SignalTick {
			n++
		}
	}
	return n
}

type gateShared struct {
	gate  *coord.Gate
	clock *atomic.Int64
	delay time.Duration
	ticks []int64
}

// gateArgs is handed to each gate worker. slot indexes ticks.
type gateArgs struct {
	*gateShared
	slot int
}

// RunGate has waiters block on a Gate that a signaler raises after delay.
func RunGate(ctx context.Context, g *coord.Group, waiters int, delay time.Duration, log logrus.FieldLogger) (GateReport, error) {
	shared := &gateShared{
		gate:  coord.NewGate(),
		clock: new(atomic.Int64),
		delay: delay,
		ticks: make([]int64, waiters),
	}
	var signalTick int64

	handles := make([]*coord.Handle, 0, waiters+1)

	for i := 0; i < waiters; i++ {
		h, err := coord.Spawn(g, func(ctx context.Context, id int, a gateArgs) error {
			log.WithField("worker", id).Info("gate closed, sleeping")
			if err := a.gate.WaitContext(ctx); err != nil {
				return err
			}
			a.ticks[a.slot] = a.clock.Add(1)
			log.WithField("worker", id).Info("gate open, proceeding")
			return nil
		}, gateArgs{gateShared: shared, slot: i})
		if err != nil {
			return GateReport{}, err
		}
		handles = append(handles, h)
	}

	h, err := coord.Spawn(g, func(ctx context.Context, id int, a gateArgs) error {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		log.WithField("worker", id).Info("signaling gate")
		signalTick = a.clock.Add(1)
		a.gate.Signal()
		return nil
	}, gateArgs{gateShared: shared, slot: -1})
	if err != nil {
		return GateReport{}, err
	}
	handles = append(handles, h)

	if err := joinAll(handles); err != nil {
		return GateReport{}, err
	}

	return GateReport{SignalTick: signalTick, WaiterTicks: shared.ticks}, nil
}

// GatePhase wraps RunGate and checks that no waiter went through early.
func GatePhase(opts Options, log logrus.FieldLogger) coord.Phase {
	return coord.Phase{
		Name: "gate",
		Run: func(ctx context.Context, g *coord.Group) error {
			r, err := RunGate(ctx, g, opts.Waiters, opts.Delay, log)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"signal_tick": r.SignalTick, "waiter_ticks": r.WaiterTicks}).Info("gate demo done")
			if early := r.Early(); early > 0 {
				return fmt.Errorf("%w: %d waiters returned before the signal", ErrCheckFailed, early)
			}
			return nil
		},
	}
}

// -- rendezvous ---------------------------------------------------------------

// RendezvousReport is the outcome of the rendezvous demo.
type RendezvousReport struct {
	Rounds     int
	Generation uint64
	Arrived    int
	// Early counts participants that left a round before every participant
	// of that round had arrived.
	Early int64
}

type rendezvousArgs struct {
	rendezvous *coord.Rendezvous
	work       time.Duration
	rounds     int
	arrivals   *atomic.Int64
	early      *atomic.Int64
}

// RunRendezvous has participant i (0-based) work for 2i+1 units of time, then
// meet the others, for the given number of rounds.
func RunRendezvous(ctx context.Context, g *coord.Group, participants, rounds int, unit time.Duration, log logrus.FieldLogger) (RendezvousReport, error) {
	r := coord.NewRendezvous(participants)
	arrivals := new(atomic.Int64)
	early := new(atomic.Int64)

	handles := make([]*coord.Handle, 0, participants)

	for i := 0; i < participants; i++ {
		h, err := coord.Spawn(g, func(ctx context.Context, id int, a rendezvousArgs) error {
			work := a.work
			capacity := int64(a.rendezvous.Capacity())
			log := log.WithField("worker", id)

			for round := 0; round < a.rounds; round++ {
				log.WithFields(logrus.Fields{"round": round, "work": work}).Info("working")
				select {
				case <-time.After(work):
				case <-ctx.Done():
					return ctx.Err()
				}

				log.WithField("round", round).Info("waiting at rendezvous")
				a.arrivals.Add(1)
				if err := a.rendezvous.AwaitContext(ctx); err != nil {
					return err
				}
				if a.arrivals.Load() < capacity*int64(round+1) {
					a.early.Add(1)
				}
				log.WithField("round", round).Info("rendezvous passed, leaving together")
			}
			return nil
		}, rendezvousArgs{
			rendezvous: r,
			work:       time.Duration(2*i+1) * unit,
			rounds:     rounds,
			arrivals:   arrivals,
			early:      early,
		})
		if err != nil {
			return RendezvousReport{}, err
		}
		handles = append(handles, h)
	}

	if err := joinAll(handles); err != nil {
		return RendezvousReport{}, err
	}

	return RendezvousReport{
		Rounds:     rounds,
		Generation: r.Generation(),
		Arrived:    r.Arrived(),
		Early:      early.Load(),
	}, nil
}

// RendezvousPhase wraps RunRendezvous and checks round bookkeeping.
func RendezvousPhase(opts Options, log logrus.FieldLogger) coord.Phase {
	return coord.Phase{
		Name: "rendezvous",
		Run: func(ctx context.Context, g *coord.Group) error {
			r, err := RunRendezvous(ctx, g, opts.Participants, opts.Rounds, opts.Delay, log)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"generation": r.Generation, "arrived": r.Arrived}).Info("rendezvous demo done")
			switch {
			case r.Generation != uint64(r.Rounds):
				return fmt.Errorf("%w: generation is %d after %d rounds", ErrCheckFailed, r.Generation, r.Rounds)
			case r.Arrived != 0:
				return fmt.Errorf("%w: %d participants left waiting", ErrCheckFailed, r.Arrived)
			case r.Early != 0:
				return fmt.Errorf("%w: %d participants released early", ErrCheckFailed, r.Early)
			}
			return nil
		},
	}
}

// -- timeout ------------------------------------------------------------------

// TimeoutReport is the outcome of the timeout demo.
type TimeoutReport struct {
	GateTimedOut       bool
	GateSignaled       bool
	RendezvousTimedOut bool
	Generation         uint64
	Arrived            int
}

// RunTimeout shows that giving up on a wait leaves the primitives usable: an
// impatient waiter times out on a Gate signaled after delay, and an impatient
// participant times out of a Rendezvous before a full round completes.
func RunTimeout(ctx context.Context, g *coord.Group, timeout, delay time.Duration, log logrus.FieldLogger) (TimeoutReport, error) {
	var report TimeoutReport

	gate := coord.NewGate()
	impatient := func(ctx context.Context, id int, timeout time.Duration) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return gate.WaitContext(ctx)
	}

	h, err := coord.Spawn(g, impatient, timeout)
	if err != nil {
		return report, err
	}
	signaler, err := coord.Spawn(g, func(ctx context.Context, id int, delay time.Duration) error {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		gate.Signal()
		return nil
	}, delay)
	if err != nil {
		return report, err
	}

	err = h.Join()
	report.GateTimedOut = errors.Is(err, coord.ErrTimedOut)
	log.WithError(err).WithField("timed_out", report.GateTimedOut).Info("impatient gate waiter returned")
	if err != nil && !report.GateTimedOut {
		return report, err
	}
	if err := signaler.Join(); err != nil {
		return report, err
	}
	report.GateSignaled = gate.Signaled()

	r := coord.NewRendezvous(2)
	h, err = coord.Spawn(g, func(ctx context.Context, id int, timeout time.Duration) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return r.AwaitContext(ctx)
	}, timeout)
	if err != nil {
		return report, err
	}
	err = h.Join()
	report.RendezvousTimedOut = errors.Is(err, coord.ErrTimedOut)
	log.WithError(err).WithField("timed_out", report.RendezvousTimedOut).Info("impatient participant returned")
	if err != nil && !report.RendezvousTimedOut {
		return report, err
	}

	// A full round afterwards must complete as if nothing happened.
	handles := make([]*coord.Handle, 0, 2)
	for i := 0; i < 2; i++ {
		h, err := coord.Spawn(g, func(ctx context.Context, id int, r *coord.Rendezvous) error {
			return r.AwaitContext(ctx)
		}, r)
		if err != nil {
			return report, err
		}
		handles = append(handles, h)
	}
	if err := joinAll(handles); err != nil {
		return report, err
	}

	report.Generation = r.Generation()
	report.Arrived = r.Arrived()

	return report, nil
}

// TimeoutPhase wraps RunTimeout and checks that nothing was corrupted.
func TimeoutPhase(opts Options, log logrus.FieldLogger) coord.Phase {
	return coord.Phase{
		Name: "timeout",
		Run: func(ctx context.Context, g *coord.Group) error {
			r, err := RunTimeout(ctx, g, opts.Timeout, opts.Delay, log)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"gate_timed_out":       r.GateTimedOut,
				"rendezvous_timed_out": r.RendezvousTimedOut,
				"generation":           r.Generation,
				"arrived":              r.Arrived,
			}).Info("timeout demo done")
			switch {
			case !r.GateTimedOut || !r.RendezvousTimedOut:
				return fmt.Errorf("%w: impatient waiters did not time out", ErrCheckFailed)
			case !r.GateSignaled:
				return fmt.Errorf("%w: gate not signaled", ErrCheckFailed)
			case r.Generation != 1 || r.Arrived != 0:
				return fmt.Errorf("%w: rendezvous at generation %d with %d arrived after recovery", ErrCheckFailed, r.Generation, r.Arrived)
			}
			return nil
		},
	}
}

// joinAll joins every handle, in order, and returns the first failure.
func joinAll(handles []*coord.Handle) error {
	var first error
	for _, h := range handles {
		if err := h.Join(); err != nil && first == nil {
			first = fmt.Errorf("worker %d: %w", h.ID(), err)
		}
	}
	return first
}
