package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-stack/stack"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config holds Group and Driver construction parameters.
type Config struct {
	// MaxWorkers is the number of workers a single Group may spawn. Spawning
	// more returns ErrResourceExhausted. 0 means no limit.
	MaxWorkers int

	// Concurrency is the number of workers of a Group allowed to run at the
	// same time. Spawn blocks while the limit is reached. 0 means no limit.
	//
	// Workers that wait on each other (Gate, Rendezvous) need Concurrency to
	// be either 0 or large enough for all of them, otherwise they deadlock.
	Concurrency int

	// Logger receives structured output. If nil, logrus.StandardLogger() is used.
	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers < 0 {
		c.MaxWorkers = 0
	}
	if c.Concurrency < 0 {
		c.Concurrency = 0
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Task is the body of a worker. id is the worker identity within its Group,
// starting at 1, and args is the record handed to Spawn.
type Task[A any] func(ctx context.Context, id int, args A) error

// Group spawns workers and joins them.
//
// Lifecycle:
//
//	g := coord.NewGroup(ctx, cfg)
//	h, err := coord.Spawn(g, task, args)
//	err = h.Join()   // or g.Wait() to join everything not joined yet
type Group struct {
	id      uuid.UUID
	ctx     context.Context
	cfg     Config
	log     logrus.FieldLogger
	limiter limiter

	// live counts workers that have not returned yet. Workers may spawn
	// siblings, so Wait must not trust a single snapshot of handles.
	live sync.WaitGroup

	mu sync.Mutex
	// workers counted against MaxWorkers, including spawns waiting for a slot
	reserved int
	// workers actually started; the last one handed out as an identity
	spawned int
	handles []*Handle
}

// NewGroup returns an empty Group whose workers receive ctx.
func NewGroup(ctx context.Context, cfg Config) *Group {
	cfg = cfg.withDefaults()
	id := uuid.New()

	return &Group{
		id:      id,
		ctx:     ctx,
		cfg:     cfg,
		log:     cfg.Logger.WithField("group", id.String()),
		limiter: newLimiter(cfg.Concurrency),
	}
}

// ID returns the identifier attached to the Group's log entries.
func (g *Group) ID() uuid.UUID {
	return g.id
}

// Spawn starts task(ctx, id, args) on a new goroutine and returns the handle
// to join it. args is copied into the worker, so the caller keeps no shared
// ownership of it.
//
// Spawn returns an error matching ErrResourceExhausted when the Group has
// already spawned cfg.MaxWorkers workers, or the context error if the Group's
// context is done while waiting for a Concurrency slot.
func Spawn[A any](g *Group, task Task[A], args A) (*Handle, error) {
	g.mu.Lock()
	if g.cfg.MaxWorkers > 0 && g.reserved >= g.cfg.MaxWorkers {
		g.mu.Unlock()
		return nil, fmt.Errorf("libqd/coord: spawn: %w: group allows %d workers", ErrResourceExhausted, g.cfg.MaxWorkers)
	}
	g.reserved++
	g.mu.Unlock()

	if err := g.limiter.acquire(g.ctx); err != nil {
		g.mu.Lock()
		g.reserved--
		g.mu.Unlock()
		return nil, fmt.Errorf("libqd/coord: spawn: %w", err)
	}

	g.mu.Lock()
	g.spawned++
	id := g.spawned
	h := &Handle{id: id, done: make(chan struct{})}
	g.handles = append(g.handles, h)
	g.live.Add(1)
	g.mu.Unlock()

	log := g.log.WithField("worker", id)

	go func() {
		defer g.live.Done()
		defer close(h.done)
		defer g.limiter.release()
		defer func() {
			if r := recover(); r != nil {
				h.err = &PanicError{Worker: id, Value: r, Trace: stack.Trace().TrimRuntime()}
				log.WithError(h.err).Warn("worker panicked")
			}
		}()

		log.Debug("worker started")

		if err := task(g.ctx, id, args); err != nil {
			h.err = err
			log.WithError(err).Warn("worker failed")
			return
		}

		log.Debug("worker finished")
	}()

	return h, nil
}

// Wait joins every worker that has not been joined yet, including workers
// spawned by other workers while Wait runs, and returns their failures
// combined with errors.Join.
func (g *Group) Wait() error {
	g.live.Wait()

	g.mu.Lock()
	handles := make([]*Handle, len(g.handles))
	copy(handles, g.handles)
	g.mu.Unlock()

	var errs []error
	for _, h := range handles {
		<-h.done
		if !h.joined.CompareAndSwap(false, true) {
			continue
		}
		if h.err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", h.id, h.err))
		}
	}

	return errors.Join(errs...)
}

// Handle refers to a spawned worker.
type Handle struct {
	id     int
	done   chan struct{}
	err    error
	joined atomic.Bool
}

// ID returns the worker identity.
func (h *Handle) ID() int {
	return h.id
}

// Done is closed once the worker has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Join blocks until the worker has returned and reports its failure: the
// error returned by the task, or a *PanicError if it panicked. A handle can
// be joined once; later calls return a *MisuseError.
func (h *Handle) Join() error {
	<-h.done

	if !h.joined.CompareAndSwap(false, true) {
		return newMisuseError("join", "worker %d already joined", h.id)
	}

	return h.err
}
