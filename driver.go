package coord

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Phase is one step of a Driver run. Run spawns its workers on g; any worker
// it leaves unjoined is joined by the Driver before the next phase starts.
type Phase struct {
	Name string
	Run  func(ctx context.Context, g *Group) error
}

// Driver runs phases one after the other. Workers of two phases never run at
// the same time.
type Driver struct {
	cfg Config
}

// NewDriver returns a Driver whose phases get Groups built from cfg.
func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg.withDefaults()}
}

// Run executes phases in order. It stops at the first phase that fails, or
// whose workers fail, and returns that failure wrapped with the phase name.
// When Run of a phase fails, the context given to its workers is canceled
// before they are joined.
func (d *Driver) Run(ctx context.Context, phases ...Phase) error {
	for i, p := range phases {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("phase %q not started: %w", p.Name, err)
		}

		cfg := d.cfg
		cfg.Logger = d.cfg.Logger.WithField("phase", p.Name)

		phaseCtx, cancel := context.WithCancel(ctx)
		g := NewGroup(phaseCtx, cfg)
		log := g.log

		log.WithField("step", fmt.Sprintf("%d/%d", i+1, len(phases))).Info("phase started")
		start := time.Now()

		err := p.Run(phaseCtx, g)
		if err != nil {
			// Unblock workers waiting with the phase context.
			cancel()
		}
		// No worker outlives its phase.
		err = errors.Join(err, g.Wait())
		cancel()

		if err != nil {
			log.WithError(err).Error("phase failed")
			return fmt.Errorf("phase %q: %w", p.Name, err)
		}

		log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("phase complete")
	}

	return nil
}
