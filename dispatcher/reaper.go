package dispatcher

import (
	"context"
	"sync"
	"time"

	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/cron"
	"github.com/taloric/df-evaluation/worker"
)

const (
	DefaultSweepInterval = 3 * time.Second
	DefaultCancelGrace   = 30 * time.Second
)

// Reaper evicts workers whose goroutine exited and force-cancels the ones
// that outlived their lifetime. Every eviction tears the environment down
// exactly once.
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	grace     time.Duration
	now       func() time.Time
	logger    evaluation.Logger
	scheduler *cron.Scheduler

	mu     sync.Mutex
	handle cron.Handle
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

func WithSweepInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithCancelGrace bounds how long a force-cancelled worker may take to stop.
func WithCancelGrace(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.grace = d
		}
	}
}

func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

func WithReaperLogger(logger evaluation.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

func NewReaper(registry *Registry, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		registry: registry,
		interval: DefaultSweepInterval,
		grace:    DefaultCancelGrace,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = evaluation.WithLoggerFields(r.logger, map[string]any{"component": "reaper"})
	return r
}

// SweepResult counts what a sweep did.
type SweepResult struct {
	Evicted int
	Expired int
}

// Sweep runs one pass over the registry. Concurrent calls are serialized.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		res     SweepResult
		expired []*worker.Worker
	)
	now := r.now()
	for _, w := range r.registry.Snapshot() {
		switch {
		case w.Exited():
			r.evict(ctx, w)
			res.Evicted++
		case w.Expired(now):
			expired = append(expired, w)
		}
	}

	// expired workers are cancelled concurrently, each within its own grace
	var wg sync.WaitGroup
	for _, w := range expired {
		r.logger.Warn("worker exceeded lifetime, cancelling", "uuid", w.UUID(), "started", w.StartTime())
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.ForceCancel(ctx, r.grace)
			r.evict(ctx, w)
		}(w)
	}
	wg.Wait()
	res.Expired = len(expired)
	return res
}

func (r *Reaper) evict(ctx context.Context, w *worker.Worker) {
	w.Teardown(ctx)
	r.registry.Remove(w)
	r.logger.Info("worker evicted", "uuid", w.UUID())
}

// Start schedules Sweep every interval. Sub-second intervals are rounded
// up to one second by the scheduler.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != nil {
		return nil
	}
	if r.scheduler == nil {
		r.scheduler = cron.NewScheduler(cron.WithLogger(r.logger), cron.WithErrorHandler(func(_ string, err error) {
			r.logger.Error("reaper sweep failed", "error", err)
		}))
	}
	handle, err := r.scheduler.Add(cron.Every("reaper", r.interval, func(ctx context.Context) error {
		// teardown must finish even while the controller shuts down
		r.Sweep(context.WithoutCancel(ctx))
		return nil
	}))
	if err != nil {
		return err
	}
	r.handle = handle
	return r.scheduler.Start(ctx)
}

// Stop cancels the schedule and waits for a running sweep.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	handle, scheduler := r.handle, r.scheduler
	r.handle = nil
	r.mu.Unlock()
	if handle != nil {
		handle.Cancel()
	}
	if scheduler == nil {
		return nil
	}
	return scheduler.Stop(ctx)
}
