package worker

import (
	"time"

	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/results"
)

const (
	DefaultUnreachableInterval = 10 * time.Second
	DefaultPollInterval        = 5 * time.Second
	DefaultConvergenceInterval = 5 * time.Second
	DefaultMaxAbnormal         = 30
	DefaultMaxLifetime         = time.Hour
	DefaultStatusWriteTimeout  = 10 * time.Second
)

// Config holds the timing knobs of a worker.
type Config struct {
	DataDir string
	// UnreachableInterval is the wait after a failed reachability check.
	UnreachableInterval time.Duration
	// PollInterval is the wait between checks while the environment is up.
	PollInterval time.Duration
	// ConvergenceInterval paces signal convergence waits.
	ConvergenceInterval time.Duration
	// MaxAbnormal bounds consecutive unreachable checks.
	MaxAbnormal int
	MaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.UnreachableInterval <= 0 {
		c.UnreachableInterval = DefaultUnreachableInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ConvergenceInterval <= 0 {
		c.ConvergenceInterval = DefaultConvergenceInterval
	}
	if c.MaxAbnormal <= 0 {
		c.MaxAbnormal = DefaultMaxAbnormal
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	return c
}

// Option configures a Worker.
type Option func(*Worker)

func WithConfig(cfg Config) Option {
	return func(w *Worker) {
		w.cfg = cfg
	}
}

func WithLogger(logger evaluation.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithCollectors(collectors ...results.Collector) Option {
	return func(w *Worker) {
		w.collectors = append(w.collectors, collectors...)
	}
}

// WithClock replaces time.Now, used for lifetime checks.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}
