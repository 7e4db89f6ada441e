// Package cron runs the controller housekeeping jobs on robfig/cron.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	evaluation "github.com/taloric/df-evaluation"
)

// Job is a housekeeping task run on a schedule.
type Job struct {
	Name string
	// Spec is a descriptor such as "@every 3s" or a cron expression with
	// an optional leading seconds field.
	Spec string
	// Timeout bounds a single run; zero leaves it unbounded.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Every builds a job repeating at interval. Intervals below one second
// are rounded up to one second.
func Every(name string, interval time.Duration, run func(ctx context.Context) error) Job {
	if interval < time.Second {
		interval = time.Second
	}
	return Job{Name: name, Spec: "@every " + interval.String(), Run: run}
}

func (j Job) validate() error {
	if strings.TrimSpace(j.Spec) == "" {
		return fmt.Errorf("job %q: schedule spec is required", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("job %q: run func is required", j.Name)
	}
	return nil
}

// Scheduler owns a robfig cron instance. Overlapping runs of the same job
// are skipped.
type Scheduler struct {
	cron    *rcron.Cron
	logger  evaluation.Logger
	onError func(name string, err error)

	mu     sync.Mutex
	base   context.Context
	nextID int64
	jobs   map[int64]*handle
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger evaluation.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithErrorHandler is called with every failed or panicking run.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.onError = fn
		}
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		base: context.Background(),
		jobs: make(map[int64]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = evaluation.WithLoggerFields(s.logger, map[string]any{"component": "cron"})
	if s.onError == nil {
		s.onError = func(name string, err error) {
			s.logger.Error("scheduled job failed", "job", name, "error", err)
		}
	}

	parser := rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour |
		rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)
	s.cron = rcron.New(
		rcron.WithParser(parser),
		rcron.WithLogger(cronLogger{logger: s.logger}),
	)
	return s
}

// Add registers job. It starts firing once the scheduler is started.
func (s *Scheduler) Add(job Job) (Handle, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextID++
	h := &handle{scheduler: s, id: s.nextID, status: StatusScheduled, done: make(chan struct{})}
	s.mu.Unlock()

	wrapped := rcron.NewChain(rcron.SkipIfStillRunning(cronLogger{logger: s.logger})).
		Then(rcron.FuncJob(func() { s.run(job, h) }))
	entryID, err := s.cron.AddJob(job.Spec, wrapped)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", job.Name, err)
	}
	h.entryID = entryID

	s.mu.Lock()
	s.jobs[h.id] = h
	s.mu.Unlock()
	return h, nil
}

func (s *Scheduler) run(job Job, h *handle) {
	if h.Status().terminal() {
		return
	}
	h.setStatus(StatusRunning, nil)

	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	err := evaluation.RecoverTo(job.Name, func() error { return job.Run(ctx) })
	h.runs.Add(1)
	if err != nil {
		s.onError(job.Name, err)
	}
	// a failed run keeps the schedule, Err reports it until the next run
	h.setStatus(StatusIdle, err)
}

// Start fires the registered jobs; runs receive ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.cron.Start()
	return nil
}

// Stop ends every schedule and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[int64]*handle)
	s.mu.Unlock()
	for _, h := range jobs {
		s.cron.Remove(h.entryID)
		h.finish(StatusStopped)
	}

	if ctx == nil {
		<-stopped.Done()
		return nil
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) remove(h *handle) {
	s.mu.Lock()
	delete(s.jobs, h.id)
	s.mu.Unlock()
	s.cron.Remove(h.entryID)
}

func (s *Scheduler) next(id rcron.EntryID) time.Time {
	return s.cron.Entry(id).Next
}

// cronLogger routes robfig/cron messages to the controller logger.
type cronLogger struct {
	logger evaluation.Logger
}

func (l cronLogger) Info(msg string, args ...any) {
	l.logger.Debug("cron: "+msg, args...)
}

func (l cronLogger) Error(err error, msg string, args ...any) {
	l.logger.Error("cron: "+msg, append(args, "error", err)...)
}
