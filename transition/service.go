// Package transition admits new cases and turns status change requests
// into control messages.
package transition

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/caserecord"
)

const (
	DefaultMaxRunners   = 10
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = time.Second
)

// Publisher enqueues control messages for the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, msg evaluation.CaseParams) error
}

// Config bounds admission and the post-request polling.
type Config struct {
	MaxRunners   int
	Timeout      time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRunners <= 0 {
		c.MaxRunners = DefaultMaxRunners
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

type rule struct {
	sources []evaluation.CaseStatus
	// targets lists the in-progress status before the completed one
	targets []evaluation.CaseStatus
}

var rules = map[evaluation.Action]rule{
	evaluation.ActionPause: {
		sources: []evaluation.CaseStatus{evaluation.StatusStarted},
		targets: []evaluation.CaseStatus{evaluation.StatusPausing, evaluation.StatusPaused},
	},
	evaluation.ActionCancel: {
		sources: []evaluation.CaseStatus{evaluation.StatusStarted, evaluation.StatusPaused},
		targets: []evaluation.CaseStatus{evaluation.StatusStopping, evaluation.StatusFinished},
	},
	evaluation.ActionResume: {
		sources: []evaluation.CaseStatus{evaluation.StatusPaused},
		targets: []evaluation.CaseStatus{evaluation.StatusStarting, evaluation.StatusStarted},
	},
}

// Targets returns the statuses a case reaches once action was accepted.
func Targets(action evaluation.Action) []evaluation.CaseStatus {
	return slices.Clone(rules[action].targets)
}

// Sources returns the statuses action may be requested from.
func Sources(action evaluation.Action) []evaluation.CaseStatus {
	return slices.Clone(rules[action].sources)
}

// Service serializes admission and control fan-out behind one mutex. The
// convergence polls run outside of it.
type Service struct {
	mu      sync.Mutex
	records caserecord.Store
	queue   Publisher
	cfg     Config
	logger  evaluation.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

func WithLogger(logger evaluation.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(records caserecord.Store, queue Publisher, opts ...Option) *Service {
	s := &Service{
		records: records,
		queue:   queue,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cfg = s.cfg.withDefaults()
	s.logger = evaluation.WithLoggerFields(s.logger, map[string]any{"component": "transition"})
	return s
}

// Submit admits a new case: it creates the INIT record and enqueues CREATE.
// It then waits up to the configured timeout for the worker to pick the
// case up and returns the freshest record it saw.
func (s *Service) Submit(ctx context.Context, params evaluation.CaseParams) (evaluation.CaseRecord, error) {
	params.Action = evaluation.ActionCreate
	params.EnsureUUID()
	if err := params.Validate(); err != nil {
		return evaluation.CaseRecord{}, err
	}

	rec, err := s.admit(ctx, params)
	if err != nil {
		return evaluation.CaseRecord{}, err
	}

	s.poll(ctx, func() bool {
		latest, err := s.records.Get(ctx, params.UUID)
		if err != nil {
			return false
		}
		rec = latest
		return latest.Status != evaluation.StatusInit
	})
	return rec, nil
}

func (s *Service) admit(ctx context.Context, params evaluation.CaseParams) (evaluation.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.records.Count(ctx, caserecord.Filter{Statuses: evaluation.NonTerminalStatuses()})
	if err != nil {
		return evaluation.CaseRecord{}, fmt.Errorf("count active cases: %w", err)
	}
	if active >= s.cfg.MaxRunners {
		return evaluation.CaseRecord{}, evaluation.NewError(evaluation.ErrCapacityExceeded,
			fmt.Sprintf("runner capacity reached (%d/%d)", active, s.cfg.MaxRunners), nil, map[string]any{
				"active": active,
				"max":    s.cfg.MaxRunners,
			})
	}

	rec := evaluation.NewCaseRecord(params, s.now())
	if err := s.records.Create(ctx, rec); err != nil {
		return evaluation.CaseRecord{}, err
	}
	if err := s.queue.Publish(ctx, params); err != nil {
		// the record would hold a capacity slot forever
		if _, terr := s.records.Transition(context.WithoutCancel(ctx), params.UUID, evaluation.StatusError); terr != nil {
			s.logger.Warn("unqueued case not failed", "uuid", params.UUID, "error", terr)
		}
		return evaluation.CaseRecord{}, fmt.Errorf("enqueue create: %w", err)
	}
	s.logger.Info("case admitted", "uuid", params.UUID, "case_name", params.CaseName, "active", active+1)
	return rec, nil
}

// RequestStatusChange enqueues action for every targeted case whose status
// allows it. Cases already in one of the action's target statuses are left
// alone. The request fails only when no case is eligible or already there.
func (s *Service) RequestStatusChange(ctx context.Context, uuids []string, action evaluation.Action) ([]evaluation.CaseRecord, error) {
	r, ok := rules[action]
	if !ok {
		return nil, evaluation.NewError(evaluation.ErrInvalidAction, fmt.Sprintf("%s is not a status change", action), nil, nil)
	}
	if len(uuids) == 0 {
		return nil, evaluation.NewError(evaluation.ErrInvalidParams, "uuids are required", nil, nil)
	}
	filter := caserecord.Filter{UUIDs: uuids}

	queued, err := s.fanOut(ctx, filter, action, r)
	if err != nil {
		return nil, err
	}

	var snapshot []evaluation.CaseRecord
	settled := func() bool {
		recs, err := s.records.List(ctx, filter)
		if err != nil {
			return false
		}
		snapshot = recs
		for _, rec := range recs {
			if !slices.Contains(r.targets, rec.Status) {
				return false
			}
		}
		return true
	}
	if queued == 0 {
		settled()
		return snapshot, nil
	}
	if !s.poll(ctx, settled) {
		err := evaluation.NewError(evaluation.ErrConvergenceTimeout, "", nil, map[string]any{
			"action": string(action),
			"uuids":  uuids,
		})
		s.logger.Warn("status change not observed in time", "error", err)
	}
	return snapshot, nil
}

func (s *Service) fanOut(ctx context.Context, filter caserecord.Filter, action evaluation.Action, r rule) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.records.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list cases: %w", err)
	}

	var eligible []evaluation.CaseRecord
	satisfied := 0
	for _, rec := range recs {
		switch {
		case slices.Contains(r.targets, rec.Status):
			satisfied++
		case slices.Contains(r.sources, rec.Status):
			eligible = append(eligible, rec)
		default:
			s.logger.Debug("case not eligible", "uuid", rec.UUID, "status", string(rec.Status), "action", string(action))
		}
	}
	if len(eligible) == 0 && satisfied == 0 {
		return 0, evaluation.NewError(evaluation.ErrNoEligibleCase, "", nil, map[string]any{
			"action": string(action),
			"uuids":  filter.UUIDs,
		})
	}

	for _, rec := range eligible {
		if err := s.queue.Publish(ctx, rec.Params(action)); err != nil {
			return 0, fmt.Errorf("enqueue %s for %s: %w", action, rec.UUID, err)
		}
		s.logger.Info("status change requested", "uuid", rec.UUID, "action", string(action), "from", string(rec.Status))
	}
	return len(eligible), nil
}

// ForceEnd enqueues FORCE_END and soft-deletes each case immediately,
// whatever its status. It returns the remaining live cases.
func (s *Service) ForceEnd(ctx context.Context, uuids []string) ([]evaluation.CaseRecord, error) {
	if len(uuids) == 0 {
		return nil, evaluation.NewError(evaluation.ErrInvalidParams, "uuids are required", nil, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range uuids {
		msg := evaluation.CaseParams{UUID: id, Action: evaluation.ActionForceEnd}
		if err := s.queue.Publish(ctx, msg); err != nil {
			return nil, fmt.Errorf("enqueue force end for %s: %w", id, err)
		}
		if _, err := s.records.Update(ctx, []string{id}, caserecord.Patch{Deleted: caserecord.BoolPtr(true)}); err != nil {
			return nil, fmt.Errorf("soft delete %s: %w", id, err)
		}
		s.logger.Info("case force ended", "uuid", id)
	}
	return s.records.List(ctx, caserecord.Filter{})
}

// UpdateImageTag patches the runner image tag of live records without
// touching their status.
func (s *Service) UpdateImageTag(ctx context.Context, uuids []string, tag string) ([]evaluation.CaseRecord, error) {
	if len(uuids) == 0 {
		return nil, evaluation.NewError(evaluation.ErrInvalidParams, "uuids are required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.records.Update(ctx, uuids, caserecord.Patch{RunnerImageTag: &tag}); err != nil {
		return nil, err
	}
	return s.records.List(ctx, caserecord.Filter{UUIDs: uuids})
}

// List returns the records matching f.
func (s *Service) List(ctx context.Context, f caserecord.Filter) ([]evaluation.CaseRecord, error) {
	return s.records.List(ctx, f)
}

// poll calls done every poll interval until it reports true, the timeout
// passes or ctx ends.
func (s *Service) poll(ctx context.Context, done func() bool) bool {
	if done() {
		return true
	}
	deadline := time.NewTimer(s.cfg.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return done()
		case <-tick.C:
			if done() {
				return true
			}
		}
	}
}
