// Package caserecord persists the administrative record of every case.
package caserecord

import (
	"context"

	evaluation "github.com/taloric/df-evaluation"
)

// Filter selects case records. Deleted records are skipped unless
// IncludeDeleted or OnlyDeleted is set.
type Filter struct {
	UUID           string
	UUIDs          []string
	Statuses       []evaluation.CaseStatus
	IncludeDeleted bool
	OnlyDeleted    bool
	Limit          int
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Status         *evaluation.CaseStatus
	Deleted        *bool
	RunnerImageTag *string
}

// Store is the case record contract.
type Store interface {
	// Create inserts rec; ErrCaseExists when a live record already uses the uuid.
	Create(ctx context.Context, rec evaluation.CaseRecord) error
	// Get returns the live record for id, ErrCaseNotFound otherwise.
	Get(ctx context.Context, id string) (evaluation.CaseRecord, error)
	List(ctx context.Context, f Filter) ([]evaluation.CaseRecord, error)
	Count(ctx context.Context, f Filter) (int, error)
	// Update applies patch to the live records among ids and returns the rows touched.
	Update(ctx context.Context, ids []string, patch Patch) (int64, error)
	// Transition moves a live record to status only along a legal edge of
	// the case state machine and returns the previous status.
	Transition(ctx context.Context, id string, to evaluation.CaseStatus) (evaluation.CaseStatus, error)
	// MarkAbandoned forces every non-terminal record to EXCEPTION.
	MarkAbandoned(ctx context.Context) (int64, error)
}

// BoolPtr is a small helper for building patches.
func BoolPtr(b bool) *bool { return &b }

// predecessors lists every status from which to is reachable in one step.
func predecessors(to evaluation.CaseStatus) []evaluation.CaseStatus {
	var out []evaluation.CaseStatus
	for _, from := range evaluation.AllStatuses() {
		if evaluation.CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func illegalTransition(id string, from, to evaluation.CaseStatus) error {
	return evaluation.ValidateTransition(id, from, to)
}

func notFound(id string) error {
	return evaluation.NewError(evaluation.ErrCaseNotFound, "", nil, map[string]any{"uuid": id})
}
