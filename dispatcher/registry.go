package dispatcher

import (
	"sort"
	"sync"

	"github.com/taloric/df-evaluation/worker"
)

// Registry holds the live workers by uuid.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*worker.Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*worker.Worker)}
}

// Add registers w unless a worker with the same uuid is present.
func (r *Registry) Add(w *worker.Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[w.UUID()]; ok {
		return false
	}
	r.workers[w.UUID()] = w
	return true
}

func (r *Registry) Get(id string) (*worker.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// Remove drops id only while it still maps to w.
func (r *Registry) Remove(w *worker.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.workers[w.UUID()]; ok && cur == w {
		delete(r.workers, w.UUID())
	}
}

// Snapshot returns the live workers ordered by start time.
func (r *Registry) Snapshot() []*worker.Worker {
	r.mu.RLock()
	out := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime().Before(out[j].StartTime()) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
