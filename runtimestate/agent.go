package runtimestate

import (
	"context"
	"time"

	evaluation "github.com/taloric/df-evaluation"
)

// AgentConfig paces an Agent.
type AgentConfig struct {
	// Interval between state reads.
	Interval time.Duration
	// AckDelay is how long a control change waits before it is observed.
	AckDelay time.Duration
	// RunFor is the running time after which the case completes; zero runs
	// until cancelled.
	RunFor time.Duration
}

// Agent plays the executor side of one case: it follows the control
// status and reports it back as observed, the way a remote runner does.
// It only writes the observed and runner fields.
type Agent struct {
	store  Store
	id     string
	cfg    AgentConfig
	logger evaluation.Logger
	now    func() time.Time
}

func NewAgent(store Store, id string, cfg AgentConfig, logger evaluation.Logger) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Agent{
		store:  store,
		id:     id,
		cfg:    cfg,
		logger: evaluation.WithLoggerFields(logger, map[string]any{"component": "agent", "uuid": id}),
		now:    time.Now,
	}
}

// Run returns when the case completed or ctx ends. A missing entry is
// waited for, since the orchestrator initializes it after provisioning.
func (a *Agent) Run(ctx context.Context) error {
	var (
		pendingSince time.Time
		running      time.Duration
		lastTick     time.Time
	)
	for {
		if err := sleepCtx(ctx, a.cfg.Interval); err != nil {
			return err
		}
		now := a.now()

		st, err := a.store.Get(ctx, a.id)
		if err != nil {
			if evaluation.HasCode(err, evaluation.ErrCodeStateNotFound) {
				continue
			}
			a.logger.Debug("agent read failed", "error", err)
			continue
		}
		if st.ObservedStatus == StatusCompleted {
			return nil
		}

		if st.ObservedStatus == StatusInit {
			if err := a.store.SetFields(ctx, a.id, Fields{
				FieldObservedStatus: string(StatusRunning),
				FieldRunnerStatus:   string(StatusRunning),
			}); err != nil {
				a.logger.Debug("agent start failed", "error", err)
			}
			lastTick = now
			continue
		}

		if st.ObservedStatus == StatusRunning && !lastTick.IsZero() {
			running += now.Sub(lastTick)
		}
		lastTick = now

		if st.ControlStatus != "" && st.ControlStatus != st.ObservedStatus {
			if pendingSince.IsZero() {
				pendingSince = now
			}
			if now.Sub(pendingSince) < a.cfg.AckDelay {
				continue
			}
			pendingSince = time.Time{}
			if err := SetObserved(ctx, a.store, a.id, st.ControlStatus); err != nil {
				a.logger.Debug("agent ack failed", "error", err)
				continue
			}
			a.logger.Debug("control acknowledged", "control", string(st.ControlStatus))
			if st.ControlStatus == StatusCancelled {
				return a.complete(ctx, false)
			}
			continue
		}

		if a.cfg.RunFor > 0 && running >= a.cfg.RunFor {
			return a.complete(ctx, true)
		}
	}
}

// complete marks the runner done; the observed status only moves to
// COMPLETED when the case ran to its end.
func (a *Agent) complete(ctx context.Context, observed bool) error {
	fields := Fields{FieldRunnerStatus: string(StatusCompleted)}
	if observed {
		fields[FieldObservedStatus] = string(StatusCompleted)
	}
	return a.store.SetFields(ctx, a.id, fields)
}
