// Package worker owns the lifecycle of a single case, from provisioning
// its environment to tearing it down.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/caserecord"
	"github.com/taloric/df-evaluation/provisioner"
	"github.com/taloric/df-evaluation/results"
	"github.com/taloric/df-evaluation/runtimestate"
)

// errCancelled ends the wait loop after a cancel signal finished the case.
var errCancelled = errors.New("case cancelled")

// Worker runs one case in its own goroutine.
type Worker struct {
	params     evaluation.CaseParams
	dirs       evaluation.CaseDirs
	cfg        Config
	records    caserecord.Store
	state      runtimestate.Store
	prov       provisioner.Provisioner
	collectors []results.Collector
	logger     evaluation.Logger
	now        func() time.Time

	startTime time.Time

	mu      sync.Mutex
	pending evaluation.Action

	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
	aborted  atomic.Bool
	forced   atomic.Bool
	errMu    sync.Mutex
	err      error
	teardown sync.Once
}

// New builds a worker for a CREATE message. Call Start to run it.
func New(params evaluation.CaseParams, records caserecord.Store, state runtimestate.Store, prov provisioner.Provisioner, opts ...Option) *Worker {
	w := &Worker{
		params:  params,
		records: records,
		state:   state,
		prov:    prov,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.cfg = w.cfg.withDefaults()
	w.dirs = evaluation.NewCaseDirs(w.cfg.DataDir, params.UUID)
	w.logger = evaluation.WithLoggerFields(w.logger, map[string]any{
		"component": "worker",
		"uuid":      params.UUID,
		"release":   params.ReleaseName(),
	})
	w.startTime = w.now()
	return w
}

func (w *Worker) UUID() string                  { return w.params.UUID }
func (w *Worker) Params() evaluation.CaseParams { return w.params }
func (w *Worker) Dirs() evaluation.CaseDirs     { return w.dirs }
func (w *Worker) StartTime() time.Time          { return w.startTime }

// Done is closed when the lifecycle goroutine returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Exited reports whether the lifecycle goroutine has returned.
func (w *Worker) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Aborted reports whether Abort was called.
func (w *Worker) Aborted() bool { return w.aborted.Load() }

// Err is the error the lifecycle ended with, if any.
func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Expired reports whether the worker outlived its maximum lifetime.
func (w *Worker) Expired(now time.Time) bool {
	return now.Sub(w.startTime) > w.cfg.MaxLifetime
}

// Start launches the lifecycle goroutine. It is a no-op after the first call.
func (w *Worker) Start(parent context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.run(ctx)
}

// Signal installs action in the single-slot mailbox, replacing any signal
// the wait loop has not drained yet.
func (w *Worker) Signal(action evaluation.Action) error {
	if _, ok := runtimestate.ControlFor(action); !ok {
		return evaluation.NewError(evaluation.ErrInvalidAction, fmt.Sprintf("%s is not a worker signal", action), nil, map[string]any{
			"uuid": w.params.UUID,
		})
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != "" && w.pending != action {
		w.logger.Warn("pending signal overwritten", "previous", string(w.pending), "action", string(action))
	}
	w.pending = action
	return nil
}

// Pending returns the undrained signal, if any.
func (w *Worker) Pending() (evaluation.Action, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending, w.pending != ""
}

func (w *Worker) takeSignal() evaluation.Action {
	w.mu.Lock()
	defer w.mu.Unlock()
	action := w.pending
	w.pending = ""
	return action
}

// Abort stops the lifecycle without touching the case record. Used after
// the record was force-ended.
func (w *Worker) Abort() {
	w.aborted.Store(true)
	if w.cancel != nil {
		w.cancel()
	}
}

// Reject records ERROR for a case whose worker never started.
func (w *Worker) Reject(reason error) {
	w.logger.Error("case rejected", "error", reason)
	w.fail(evaluation.StatusError)
}

// ForceCancel is the timeout path: it asks the executor to cancel and
// gives it up to grace to acknowledge, then stops the lifecycle and waits
// up to grace for the goroutine to return.
func (w *Worker) ForceCancel(ctx context.Context, grace time.Duration) {
	w.forced.Store(true)
	if !w.Exited() {
		if err := runtimestate.SetControl(ctx, w.state, w.params.UUID, runtimestate.StatusCancelled); err != nil {
			w.logger.Debug("cancel request not written", "error", err)
		} else if !w.awaitCancelAck(ctx, grace) {
			w.logger.Warn("executor did not acknowledge cancel", "grace", grace.String())
		}
	}
	if w.cancel != nil {
		w.cancel()
	}
	if !w.started.Load() {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		w.logger.Warn("worker did not stop within grace period", "grace", grace.String())
	case <-ctx.Done():
	}
}

func (w *Worker) awaitCancelAck(ctx context.Context, grace time.Duration) bool {
	ackCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	for {
		st, err := w.state.Get(ackCtx, w.params.UUID)
		if err == nil && st.Converged() {
			return true
		}
		select {
		case <-w.done:
			return true
		case <-ackCtx.Done():
			return false
		case <-time.After(w.cfg.ConvergenceInterval):
		}
	}
}

// Teardown destroys the environment and drops the runtime entry. It runs
// at most once and never fails; errors are logged.
func (w *Worker) Teardown(ctx context.Context) {
	w.teardown.Do(func() {
		if err := w.prov.Destroy(ctx, w.params.UUID); err != nil {
			w.logger.Error("environment teardown failed", "error", err)
		}
		if err := w.state.Delete(ctx, w.params.UUID); err != nil {
			w.logger.Warn("runtime state cleanup failed", "error", err)
		}
		w.logger.Info("worker torn down")
	})
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer evaluation.MakePanicHandler(w.panicLogger())("worker.run", map[string]any{"uuid": w.params.UUID})

	err := w.lifecycle(ctx)
	w.errMu.Lock()
	w.err = err
	w.errMu.Unlock()

	switch {
	case w.aborted.Load():
		w.logger.Info("worker aborted")
	case w.forced.Load():
		w.finishForced()
	case err != nil:
		w.logger.Error("case failed", "error", err)
		w.fail(evaluation.StatusError)
	default:
		w.logger.Info("case finished")
	}
}

func (w *Worker) panicLogger() evaluation.PanicLogger {
	log := evaluation.LoggerPanicLogger(w.logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		log(funcName, err, stack, fields...)
		w.errMu.Lock()
		w.err = evaluation.NewError(evaluation.ErrPanic, fmt.Sprintf("panic in %s: %v", funcName, err), nil, nil)
		w.errMu.Unlock()
		if !w.aborted.Load() {
			w.fail(evaluation.StatusException)
		}
	}
}

func (w *Worker) lifecycle(ctx context.Context) error {
	if err := w.mark(ctx, evaluation.StatusStarting); err != nil {
		return err
	}
	if err := w.dirs.Ensure(); err != nil {
		return fmt.Errorf("prepare data dirs: %w", err)
	}

	if err := w.prov.Create(ctx, w.params); err != nil {
		return err
	}
	if err := w.state.Init(ctx, w.params.UUID); err != nil {
		return fmt.Errorf("init runtime state: %w", err)
	}
	w.logger.Info("environment created")

	cancelled := false
	if err := w.wait(ctx); err != nil {
		if !errors.Is(err, errCancelled) {
			return err
		}
		cancelled = true
	}

	if !cancelled {
		if err := w.mark(ctx, evaluation.StatusStopping); err != nil {
			return err
		}
	}
	results.CollectAll(ctx, w.collectors, w.dirs, w.logger)
	if !cancelled {
		if err := w.mark(ctx, evaluation.StatusFinished); err != nil {
			return err
		}
	}
	return nil
}

// wait polls reachability and completion until the case completes, the
// environment stays unreachable for too long, or a cancel signal ends it.
// A paused case keeps its status across reachability changes; only
// STARTED falls back to PENDING.
func (w *Worker) wait(ctx context.Context) error {
	abnormal := 0
	confirmed := false
	paused := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		reachable, err := w.prov.IsReachable(ctx, w.params.UUID)
		if err != nil {
			w.logger.Warn("reachability check failed", "error", err)
			reachable = false
		}

		if !reachable {
			abnormal++
			if abnormal > w.cfg.MaxAbnormal {
				return evaluation.NewError(evaluation.ErrEnvironmentUnreachable, "", nil, map[string]any{
					"uuid":   w.params.UUID,
					"checks": abnormal,
				})
			}
			if confirmed && !paused {
				confirmed = false
				if err := w.mark(ctx, evaluation.StatusPending); err != nil {
					return err
				}
			}
			if err := sleep(ctx, w.cfg.UnreachableInterval); err != nil {
				return err
			}
			continue
		}

		abnormal = 0
		if !confirmed {
			confirmed = true
			if err := w.mark(ctx, evaluation.StatusStarted); err != nil {
				return err
			}
		}

		st, err := w.state.Get(ctx, w.params.UUID)
		if err != nil {
			w.logger.Warn("runtime state read failed", "error", err)
		} else if st.Completed() {
			w.logger.Info("executor reported completion", "observed", string(st.ObservedStatus), "runner", string(st.RunnerStatus))
			return nil
		}

		if action := w.takeSignal(); action != "" {
			reached, err := w.apply(ctx, action)
			if err != nil {
				return err
			}
			if reached != "" {
				paused = reached == evaluation.StatusPaused
			}
		}

		if err := sleep(ctx, w.cfg.PollInterval); err != nil {
			return err
		}
	}
}

type signalSteps struct {
	begin   evaluation.CaseStatus
	control runtimestate.Status
	end     evaluation.CaseStatus
}

var signals = map[evaluation.Action]signalSteps{
	evaluation.ActionPause:  {evaluation.StatusPausing, runtimestate.StatusPaused, evaluation.StatusPaused},
	evaluation.ActionCancel: {evaluation.StatusStopping, runtimestate.StatusCancelled, evaluation.StatusFinished},
	evaluation.ActionResume: {evaluation.StatusStarting, runtimestate.StatusRunning, evaluation.StatusStarted},
}

// apply runs a drained signal: mark the in-progress status, request the
// control status, wait for the executor to converge, mark the end status.
// It returns the end status, or "" when the signal was dropped.
func (w *Worker) apply(ctx context.Context, action evaluation.Action) (evaluation.CaseStatus, error) {
	steps, ok := signals[action]
	if !ok {
		return "", nil
	}
	log := evaluation.WithLoggerFields(w.logger, map[string]any{"action": string(action)})

	if err := w.mark(ctx, steps.begin); err != nil {
		if evaluation.HasCode(err, evaluation.ErrCodeIllegalTransition) {
			log.Warn("signal dropped", "error", err)
			return "", nil
		}
		return "", err
	}
	if err := runtimestate.SetControl(ctx, w.state, w.params.UUID, steps.control); err != nil {
		return "", fmt.Errorf("request %s: %w", steps.control, err)
	}
	log.Info("control status requested", "control", string(steps.control))

	if err := w.converge(ctx); err != nil {
		return "", err
	}
	if err := w.mark(ctx, steps.end); err != nil {
		return "", err
	}
	if action == evaluation.ActionCancel {
		return steps.end, errCancelled
	}
	return steps.end, nil
}

// converge blocks until the executor observed the control status or
// completed. There is no internal timeout; ctx bounds it.
func (w *Worker) converge(ctx context.Context) error {
	for {
		if err := sleep(ctx, w.cfg.ConvergenceInterval); err != nil {
			return err
		}
		st, err := w.state.Get(ctx, w.params.UUID)
		if err != nil {
			w.logger.Warn("runtime state read failed", "error", err)
			continue
		}
		if st.Converged() {
			return nil
		}
	}
}

func (w *Worker) mark(ctx context.Context, to evaluation.CaseStatus) error {
	prev, err := w.records.Transition(ctx, w.params.UUID, to)
	if err != nil {
		return err
	}
	if prev != to {
		w.logger.Debug("case status changed", "from", string(prev), "to", string(to))
	}
	return nil
}

// fail records a terminal failure with a fresh context, since the
// lifecycle context may already be done.
func (w *Worker) fail(status evaluation.CaseStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultStatusWriteTimeout)
	defer cancel()
	if _, err := w.records.Transition(ctx, w.params.UUID, status); err != nil {
		w.logger.Warn("terminal status not recorded", "status", string(status), "error", err)
	}
}

// finishForced settles the record after a timeout cancel: STOPPING then
// FINISHED when that path is legal, ERROR otherwise.
func (w *Worker) finishForced() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultStatusWriteTimeout)
	defer cancel()

	rec, err := w.records.Get(ctx, w.params.UUID)
	if err != nil {
		w.logger.Warn("timed out case not found", "error", err)
		return
	}
	if rec.Status.IsTerminal() {
		return
	}
	if evaluation.CanTransition(rec.Status, evaluation.StatusStopping) {
		if _, err := w.records.Transition(ctx, w.params.UUID, evaluation.StatusStopping); err == nil {
			if _, err := w.records.Transition(ctx, w.params.UUID, evaluation.StatusFinished); err == nil {
				w.logger.Warn("case cancelled after exceeding its lifetime")
				return
			}
		}
	}
	w.fail(evaluation.StatusError)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
