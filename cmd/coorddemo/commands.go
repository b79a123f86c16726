package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"sylr.dev/libqd/coord"
	"sylr.dev/libqd/coord/internal/demo"
)

type flags struct {
	logLevel    string
	logFormat   string
	concurrency int
	opts        demo.Options
}

func newRootCommand() *cobra.Command {
	f := &flags{opts: demo.DefaultOptions()}

	root := &cobra.Command{
		Use:           "coorddemo",
		Short:         "Run the counter, gate, rendezvous and timeout demos in sequence",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.run(cmd, true, demo.Phases)
		},
	}

	addLogFlags(root.PersistentFlags(), f)
	addDemoFlags(root.PersistentFlags(), f)

	root.AddCommand(
		phaseCommand(f, "counter", "Workers increment a mutex-protected counter", demo.CounterPhase),
		phaseCommand(f, "gate", "Waiters block on a gate until a signaler raises it", demo.GatePhase),
		phaseCommand(f, "rendezvous", "Participants meet at a reusable barrier", demo.RendezvousPhase),
		phaseCommand(f, "timeout", "Impatient waiters give up without corrupting the primitives", demo.TimeoutPhase),
	)

	return root
}

func phaseCommand(f *flags, name, short string, phase func(demo.Options, logrus.FieldLogger) coord.Phase) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.run(cmd, name == "timeout", func(opts demo.Options, log logrus.FieldLogger) []coord.Phase {
				return []coord.Phase{phase(opts, log)}
			})
		},
	}
}

func addLogFlags(fs *pflag.FlagSet, f *flags) {
	fs.StringVar(&f.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format (text, json)")
}

func addDemoFlags(fs *pflag.FlagSet, f *flags) {
	fs.IntVar(&f.concurrency, "concurrency", 0, "max workers running at once per phase, 0 for no limit; must fit the waiters and participants")
	fs.IntVar(&f.opts.Workers, "workers", f.opts.Workers, "workers incrementing the counter")
	fs.IntVar(&f.opts.Waiters, "waiters", f.opts.Waiters, "waiters blocked on the gate")
	fs.DurationVar(&f.opts.Delay, "delay", f.opts.Delay, "gate signal delay and rendezvous unit of work")
	fs.IntVar(&f.opts.Participants, "participants", f.opts.Participants, "rendezvous participants")
	fs.IntVar(&f.opts.Rounds, "rounds", f.opts.Rounds, "rendezvous rounds")
	fs.DurationVar(&f.opts.Timeout, "timeout", f.opts.Timeout, "deadline of the impatient waiters, shorter than --delay")
}

// validate checks the flags. The --timeout/--delay relation only matters
// to the timeout demo, so it is checked when withTimeout is set.
func (f *flags) validate(withTimeout bool) error {
	switch {
	case f.opts.Workers < 1:
		return errors.New("--workers must be >= 1")
	case f.opts.Waiters < 1:
		return errors.New("--waiters must be >= 1")
	case f.opts.Participants < 1:
		return errors.New("--participants must be >= 1")
	case f.opts.Rounds < 1:
		return errors.New("--rounds must be >= 1")
	case f.opts.Delay < 0:
		return errors.New("--delay must not be negative")
	case withTimeout && f.opts.Timeout >= f.opts.Delay:
		return fmt.Errorf("--timeout (%s) must be shorter than --delay (%s)", f.opts.Timeout, f.opts.Delay)
	case f.concurrency < 0:
		return errors.New("--concurrency must not be negative")
	}

	// Gate waiters and rendezvous participants block on each other: they
	// must all be running for the phase to complete.
	if need := max(f.opts.Waiters+1, f.opts.Participants, 2); f.concurrency > 0 && f.concurrency < need {
		return fmt.Errorf("--concurrency must be 0 or >= %d", need)
	}
	return nil
}

func (f *flags) logger(cmd *cobra.Command) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(f.logLevel)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	log.SetLevel(level)

	switch f.logFormat {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("unknown --log-format %q", f.logFormat)
	}

	return log, nil
}

// loggedError is a failure already reported through the configured logger.
type loggedError struct {
	err error
}

func (e *loggedError) Error() string { return e.err.Error() }

func (e *loggedError) Unwrap() error { return e.err }

func (f *flags) run(cmd *cobra.Command, withTimeout bool, phases func(demo.Options, logrus.FieldLogger) []coord.Phase) error {
	if err := f.validate(withTimeout); err != nil {
		return err
	}

	log, err := f.logger(cmd)
	if err != nil {
		return err
	}

	d := coord.NewDriver(coord.Config{
		Concurrency: f.concurrency,
		Logger:      log,
	})

	if err := d.Run(cmd.Context(), phases(f.opts, log)...); err != nil {
		log.WithError(err).Error("coorddemo failed")
		return &loggedError{err: err}
	}

	log.Info("all demos done")

	return nil
}
