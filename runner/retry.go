// Package runner retries a unit of work under a delay policy.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	evaluation "github.com/taloric/df-evaluation"
)

// Policy decides whether a failed attempt is retried, and after how long.
// attempt starts at 0.
type Policy interface {
	Next(attempt int, err error) (delay time.Duration, retry bool)
}

// FixedDelay retries every error after Delay.
type FixedDelay struct {
	Delay time.Duration
}

func (p FixedDelay) Next(int, error) (time.Duration, bool) { return p.Delay, true }

// RetryIf only retries the errors Match accepts.
type RetryIf struct {
	Policy Policy
	Match  func(error) bool
}

func (p RetryIf) Next(attempt int, err error) (time.Duration, bool) {
	if p.Match != nil && !p.Match(err) {
		return 0, false
	}
	if p.Policy == nil {
		return 0, true
	}
	return p.Policy.Next(attempt, err)
}

// Option configures a Handler.
type Option func(*Handler)

// WithName labels log lines and the returned error.
func WithName(name string) Option {
	return func(h *Handler) {
		h.name = name
	}
}

func WithLogger(logger evaluation.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxRetries bounds the retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.maxRetries = n
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(h *Handler) {
		if p != nil {
			h.policy = p
		}
	}
}

// Handler runs a function until it succeeds or its retries are spent.
type Handler struct {
	name       string
	logger     evaluation.Logger
	policy     Policy
	maxRetries int

	attempts atomic.Int64
	failures atomic.Int64
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{name: "runner", policy: FixedDelay{}}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = evaluation.NormalizeLogger(h.logger)
	return h
}

// Run calls fn until it succeeds, the policy refuses, the retries are
// spent or ctx ends. Cancellation is never retried.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		h.attempts.Add(1)
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				h.logger.Info("succeeded after retry", "runner", h.name, "attempts", attempt+1)
			}
			return nil
		}
		h.failures.Add(1)

		if attempt >= h.maxRetries || canceled(err) {
			return fmt.Errorf("%s: %w", h.name, err)
		}
		delay, retry := h.policy.Next(attempt, err)
		if !retry {
			return fmt.Errorf("%s: %w", h.name, err)
		}
		h.logger.Warn("attempt failed, retrying",
			"runner", h.name,
			"attempt", attempt+1,
			"max_attempts", h.maxRetries+1,
			"delay", delay.String(),
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", h.name, err)
		}
	}
}

// Attempts counts calls of fn across every Run.
func (h *Handler) Attempts() int64 { return h.attempts.Load() }

// Failures counts failed calls of fn across every Run.
func (h *Handler) Failures() int64 { return h.failures.Load() }

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
