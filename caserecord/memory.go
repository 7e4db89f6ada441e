package caserecord

import (
	"context"
	"sync"
	"time"

	evaluation "github.com/taloric/df-evaluation"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []evaluation.CaseRecord
	now     func() time.Time
	history map[string][]evaluation.CaseStatus
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, history: make(map[string][]evaluation.CaseStatus)}
}

func (s *MemoryStore) Create(_ context.Context, rec evaluation.CaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UUID == "" {
		return evaluation.NewError(evaluation.ErrInvalidParams, "uuid is required", nil, nil)
	}
	if s.liveIndex(rec.UUID) >= 0 {
		return evaluation.NewError(evaluation.ErrCaseExists, "", nil, map[string]any{"uuid": rec.UUID})
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = evaluation.StatusInit
	}
	s.records = append(s.records, rec)
	s.history[rec.UUID] = append(s.history[rec.UUID], rec.Status)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (evaluation.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.liveIndex(id)
	if idx < 0 {
		return evaluation.CaseRecord{}, notFound(id)
	}
	return s.records[idx], nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]evaluation.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []evaluation.CaseRecord
	for _, rec := range s.records {
		if !matches(rec, f) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	recs, err := s.List(ctx, f)
	return len(recs), err
}

func (s *MemoryStore) Update(_ context.Context, ids []string, patch Patch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		idx := s.liveIndex(id)
		if idx < 0 {
			continue
		}
		rec := &s.records[idx]
		if patch.Status != nil {
			rec.Status = *patch.Status
			s.history[id] = append(s.history[id], rec.Status)
		}
		if patch.Deleted != nil {
			rec.Deleted = *patch.Deleted
		}
		if patch.RunnerImageTag != nil {
			rec.RunnerImageTag = *patch.RunnerImageTag
		}
		rec.UpdatedAt = s.now().UTC()
		n++
	}
	return n, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to evaluation.CaseStatus) (evaluation.CaseStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.liveIndex(id)
	if idx < 0 {
		return "", notFound(id)
	}
	rec := &s.records[idx]
	from := rec.Status
	if from == to {
		return from, nil
	}
	if !evaluation.CanTransition(from, to) {
		return from, illegalTransition(id, from, to)
	}
	rec.Status = to
	rec.UpdatedAt = s.now().UTC()
	s.history[id] = append(s.history[id], to)
	return from, nil
}

func (s *MemoryStore) MarkAbandoned(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.records {
		if s.records[i].Status.IsTerminal() {
			continue
		}
		s.records[i].Status = evaluation.StatusException
		s.records[i].UpdatedAt = s.now().UTC()
		s.history[s.records[i].UUID] = append(s.history[s.records[i].UUID], evaluation.StatusException)
		n++
	}
	return n, nil
}

// History returns every status written for id, in order.
func (s *MemoryStore) History(id string) []evaluation.CaseStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]evaluation.CaseStatus, len(s.history[id]))
	copy(out, s.history[id])
	return out
}

func (s *MemoryStore) liveIndex(id string) int {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].UUID == id && !s.records[i].Deleted {
			return i
		}
	}
	return -1
}

func matches(rec evaluation.CaseRecord, f Filter) bool {
	switch {
	case f.OnlyDeleted && !rec.Deleted:
		return false
	case !f.OnlyDeleted && !f.IncludeDeleted && rec.Deleted:
		return false
	}
	if f.UUID != "" && rec.UUID != f.UUID {
		return false
	}
	if len(f.UUIDs) > 0 && !containsString(f.UUIDs, rec.UUID) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, rec.Status) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
