package runtimestate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	evaluation "github.com/taloric/df-evaluation"
)

// MemoryLocker is an in-process Locker with the same lease semantics as
// RedisLocker.
type MemoryLocker struct {
	mu            sync.Mutex
	leases        map[string]memoryLease
	retryInterval time.Duration
	now           func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryLocker builds an empty locker.
func NewMemoryLocker(opts ...Option) *MemoryLocker {
	o := buildOptions(opts)
	return &MemoryLocker{
		leases:        make(map[string]memoryLease),
		retryInterval: o.retryInterval,
		now:           time.Now,
	}
}

func (l *MemoryLocker) tryAcquire(name, token string, lease time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[name]; ok && now.Before(cur.expires) {
		return false
	}
	l.leases[name] = memoryLease{token: token, expires: now.Add(lease)}
	return true
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string, acquireTimeout, leaseTimeout time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := l.now().Add(acquireTimeout)
	for {
		if l.tryAcquire(name, token, leaseTimeout) {
			return token, nil
		}
		if !l.now().Before(deadline) {
			return "", evaluation.NewError(evaluation.ErrLockTimeout, "", nil, map[string]any{
				"lock":    name,
				"timeout": acquireTimeout.String(),
			})
		}
		if err := sleepCtx(ctx, l.retryInterval); err != nil {
			return "", err
		}
	}
}

func (l *MemoryLocker) Release(_ context.Context, name, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[name]
	if !ok || cur.token != token {
		return false, nil
	}
	delete(l.leases, name)
	return true, nil
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	locker  Locker
	opts    options
	now     func() time.Time
}

type memoryEntry struct {
	fields  Fields
	expires time.Time
}

// NewMemoryStore builds an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		locker:  NewMemoryLocker(opts...),
		opts:    o,
		now:     time.Now,
	}
}

// Locker exposes the store's lock primitive.
func (s *MemoryStore) Locker() Locker { return s.locker }

func (s *MemoryStore) Init(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = memoryEntry{
		fields:  InitialState(id).Fields(),
		expires: s.now().Add(s.opts.ttl),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (State, error) {
	var out State
	err := withLock(ctx, s.locker, s.opts, id, func() error {
		fields, ok := s.read(id)
		if !ok {
			return notFound(id)
		}
		out = StateFromFields(fields)
		return nil
	})
	return out, err
}

func (s *MemoryStore) SetFields(ctx context.Context, id string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	return withLock(ctx, s.locker, s.opts, id, func() error {
		current, ok := s.read(id)
		if !ok {
			return notFound(id)
		}
		for _, field := range sortedKeys(fields) {
			if current[field] == fields[field] {
				continue
			}
			s.writeField(id, field, fields[field])
			if s.opts.onWrite != nil {
				s.opts.onWrite(id, field)
			}
		}
		return nil
	})
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	return withLock(ctx, s.locker, s.opts, id, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.entries, id)
		return nil
	})
}

// Len reports how many live entries the store holds.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	now := s.now()
	for _, e := range s.entries {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) read(id string) (Fields, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || !s.now().Before(e.expires) {
		return nil, false
	}
	out := make(Fields, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out, true
}

func (s *MemoryStore) writeField(id, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.fields[field] = value
	s.entries[id] = e
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Locker = (*MemoryLocker)(nil)
)
