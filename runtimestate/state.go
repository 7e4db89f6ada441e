// Package runtimestate holds the per-case state shared between the
// orchestrator and the remote executor, plus the lock that guards it.
package runtimestate

import (
	"context"
	"time"

	evaluation "github.com/taloric/df-evaluation"
)

// Status values used by all three runtime fields.
type Status string

const (
	StatusInit      Status = "INIT"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// Hash field names, shared with the remote executor.
const (
	FieldUUID           = "uuid"
	FieldControlStatus  = "case-control-status"
	FieldObservedStatus = "case-status"
	FieldRunnerStatus   = "runner-status"
)

const (
	DefaultKeyPrefix      = "runner-"
	DefaultLockPrefix     = "lock:runner-"
	DefaultTTL            = time.Hour
	DefaultAcquireTimeout = 30 * time.Second
	DefaultLeaseTimeout   = 20 * time.Second
)

// Fields is a partial set of hash fields.
type Fields map[string]string

// State is a decoded runtime entry.
type State struct {
	UUID           string
	ControlStatus  Status
	ObservedStatus Status
	RunnerStatus   Status
}

// InitialState is what Init writes for a freshly provisioned case.
func InitialState(id string) State {
	return State{
		UUID:           id,
		ControlStatus:  StatusRunning,
		ObservedStatus: StatusInit,
		RunnerStatus:   StatusInit,
	}
}

// StateFromFields decodes a raw hash.
func StateFromFields(f Fields) State {
	return State{
		UUID:           f[FieldUUID],
		ControlStatus:  Status(f[FieldControlStatus]),
		ObservedStatus: Status(f[FieldObservedStatus]),
		RunnerStatus:   Status(f[FieldRunnerStatus]),
	}
}

// Fields encodes s as a full hash.
func (s State) Fields() Fields {
	return Fields{
		FieldUUID:           s.UUID,
		FieldControlStatus:  string(s.ControlStatus),
		FieldObservedStatus: string(s.ObservedStatus),
		FieldRunnerStatus:   string(s.RunnerStatus),
	}
}

// Converged reports whether the executor caught up with the requested
// control status, or finished before it could.
func (s State) Converged() bool {
	if s.ObservedStatus == StatusCompleted {
		return true
	}
	return s.ControlStatus != "" && s.ObservedStatus == s.ControlStatus
}

// Completed reports whether the executor finished the case.
func (s State) Completed() bool {
	return s.ObservedStatus == StatusCompleted || s.RunnerStatus == StatusCompleted
}

// Store is the runtime state contract. SetFields and Get run under the
// distributed lock for the case.
type Store interface {
	Init(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (State, error)
	SetFields(ctx context.Context, id string, fields Fields) error
	Delete(ctx context.Context, id string) error
}

// Locker is a lease based mutual exclusion primitive. Acquire returns a
// token that must be handed back to Release; a lease that is never
// released expires on its own.
type Locker interface {
	Acquire(ctx context.Context, name string, acquireTimeout, leaseTimeout time.Duration) (string, error)
	Release(ctx context.Context, name, token string) (bool, error)
}

// SetControl writes the desired status. Only the orchestrator calls it.
func SetControl(ctx context.Context, store Store, id string, status Status) error {
	return store.SetFields(ctx, id, Fields{FieldControlStatus: string(status)})
}

// SetObserved writes the observed status. Only the executor side calls it.
func SetObserved(ctx context.Context, store Store, id string, status Status) error {
	return store.SetFields(ctx, id, Fields{FieldObservedStatus: string(status)})
}

// ControlFor maps a pause/cancel/resume intent onto the control status.
func ControlFor(action evaluation.Action) (Status, bool) {
	switch action {
	case evaluation.ActionPause:
		return StatusPaused, true
	case evaluation.ActionCancel:
		return StatusCancelled, true
	case evaluation.ActionResume:
		return StatusRunning, true
	}
	return "", false
}
