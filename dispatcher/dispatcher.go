// Package dispatcher consumes the control queue, owns the live workers
// and reaps them once they are done.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/runner"
	"github.com/taloric/df-evaluation/worker"
)

const (
	DefaultRetryDelay  = 5 * time.Second
	DefaultMaxRetries  = 3
	DefaultReplaceWait = 30 * time.Second
)

// HandlerFunc processes one control message.
type HandlerFunc func(ctx context.Context, msg evaluation.CaseParams) error

// WorkerFactory builds the worker for a CREATE message.
type WorkerFactory func(params evaluation.CaseParams) *worker.Worker

// Dispatcher is the single consumer of the control queue.
type Dispatcher struct {
	queue    *Queue
	registry *Registry
	factory  WorkerFactory
	logger   evaluation.Logger

	retryDelay  time.Duration
	maxRetries  int
	replaceWait time.Duration

	mu     sync.RWMutex
	routes map[evaluation.Action]HandlerFunc
}

// Option defines the functional option signature.
type Option func(*Dispatcher)

func WithLogger(logger evaluation.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithRetry sets the delay between attempts and how many times a failed
// message is retried before it is dropped.
func WithRetry(delay time.Duration, maxRetries int) Option {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.retryDelay = delay
		}
		if maxRetries >= 0 {
			d.maxRetries = maxRetries
		}
	}
}

// WithReplaceWait bounds how long a CREATE waits for an aborted worker with
// the same uuid to return before the attempt fails.
func WithReplaceWait(wait time.Duration) Option {
	return func(d *Dispatcher) {
		if wait > 0 {
			d.replaceWait = wait
		}
	}
}

// New wires the default route for every action.
func New(queue *Queue, registry *Registry, factory WorkerFactory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:      queue,
		registry:   registry,
		factory:    factory,
		retryDelay:  DefaultRetryDelay,
		maxRetries:  DefaultMaxRetries,
		replaceWait: DefaultReplaceWait,
		routes:      make(map[evaluation.Action]HandlerFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = evaluation.WithLoggerFields(d.logger, map[string]any{"component": "dispatcher"})

	d.Handle(evaluation.ActionCreate, d.create)
	d.Handle(evaluation.ActionPause, d.signal)
	d.Handle(evaluation.ActionCancel, d.signal)
	d.Handle(evaluation.ActionResume, d.signal)
	d.Handle(evaluation.ActionForceEnd, d.forceEnd)
	return d
}

// Handle routes action to fn, replacing the previous route.
func (d *Dispatcher) Handle(action evaluation.Action, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[action] = fn
}

func (d *Dispatcher) route(action evaluation.Action) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.routes[action]
	return fn, ok && fn != nil
}

// Run consumes the queue until ctx ends. A message that keeps failing is
// retried after the retry delay and then dropped; the loop itself only
// stops with ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	retry := runner.NewHandler(
		runner.WithName("dispatch"),
		runner.WithLogger(d.logger),
		runner.WithMaxRetries(d.maxRetries),
		runner.WithPolicy(runner.RetryIf{
			Policy: runner.FixedDelay{Delay: d.retryDelay},
			Match:  retryable,
		}),
	)

	d.logger.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return ctx.Err()
		case msg := <-d.queue.receive():
			log := evaluation.WithLoggerFields(d.logger, map[string]any{
				"uuid":   msg.UUID,
				"action": string(msg.Action),
			})
			err := retry.Run(ctx, func(ctx context.Context) error {
				return evaluation.RecoverTo("dispatcher.dispatch", func() error {
					return d.Dispatch(ctx, msg)
				})
			})
			if err != nil {
				log.Error("control message dropped", "error", err)
				if msg.Action == evaluation.ActionCreate && ctx.Err() == nil {
					d.reject(msg, err)
				}
			}
		}
	}
}

// Dispatch runs the route for the message action.
func (d *Dispatcher) Dispatch(ctx context.Context, msg evaluation.CaseParams) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	fn, ok := d.route(msg.Action)
	if !ok {
		return evaluation.NewError(evaluation.ErrInvalidAction, fmt.Sprintf("no handler for %s", msg.Action), nil, nil)
	}
	return fn(ctx, msg)
}

func (d *Dispatcher) create(ctx context.Context, msg evaluation.CaseParams) error {
	if prev, ok := d.registry.Get(msg.UUID); ok {
		if err := d.replace(ctx, prev); err != nil {
			return err
		}
	}
	w := d.factory(msg)
	if !d.registry.Add(w) {
		return evaluation.NewError(evaluation.ErrCaseExists, "worker already running", nil, map[string]any{"uuid": msg.UUID})
	}
	w.Start(context.WithoutCancel(ctx))
	d.logger.Info("worker started", "uuid", msg.UUID, "release", msg.ReleaseName())
	return nil
}

// replace retires a worker left behind by a force-ended case so the uuid
// can run again. A worker that is still live keeps its slot.
func (d *Dispatcher) replace(ctx context.Context, prev *worker.Worker) error {
	if !prev.Aborted() && !prev.Exited() {
		return evaluation.NewError(evaluation.ErrCaseExists, "worker already running", nil, map[string]any{"uuid": prev.UUID()})
	}
	timer := time.NewTimer(d.replaceWait)
	defer timer.Stop()
	select {
	case <-prev.Done():
	case <-timer.C:
		return fmt.Errorf("previous worker for %s still running", prev.UUID())
	case <-ctx.Done():
		return ctx.Err()
	}
	prev.Teardown(context.WithoutCancel(ctx))
	d.registry.Remove(prev)
	d.logger.Info("previous worker retired", "uuid", prev.UUID())
	return nil
}

// reject fails the record of a CREATE that was dropped, unless a live
// worker owns it.
func (d *Dispatcher) reject(msg evaluation.CaseParams, cause error) {
	if w, ok := d.registry.Get(msg.UUID); ok && !w.Aborted() {
		return
	}
	d.factory(msg).Reject(cause)
}

func (d *Dispatcher) signal(_ context.Context, msg evaluation.CaseParams) error {
	w, ok := d.registry.Get(msg.UUID)
	if !ok {
		d.logger.Warn("no worker for signal", "uuid", msg.UUID, "action", string(msg.Action))
		return nil
	}
	return w.Signal(msg.Action)
}

func (d *Dispatcher) forceEnd(_ context.Context, msg evaluation.CaseParams) error {
	w, ok := d.registry.Get(msg.UUID)
	if !ok {
		d.logger.Warn("no worker to force end", "uuid", msg.UUID)
		return nil
	}
	w.Abort()
	d.logger.Info("worker aborted", "uuid", msg.UUID)
	return nil
}

// retryable rejects errors that a second attempt cannot fix.
func retryable(err error) bool {
	switch evaluation.ErrorCategory(err) {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput, goerrors.CategoryConflict, goerrors.CategoryNotFound:
		return false
	}
	return true
}
