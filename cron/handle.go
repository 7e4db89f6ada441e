package cron

import (
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Status of a scheduled job.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCanceled  Status = "canceled"
	StatusStopped   Status = "stopped"
)

func (s Status) terminal() bool {
	return s == StatusCanceled || s == StatusStopped
}

// Handle controls one scheduled job.
type Handle interface {
	Cancel()
	Status() Status
	// Err is the error of the last run, nil when it succeeded.
	Err() error
	// Done is closed once the job is cancelled or its scheduler stopped.
	Done() <-chan struct{}
	// Runs counts completed runs, failed ones included.
	Runs() int64
	Next() time.Time
}

type handle struct {
	scheduler *Scheduler
	id        int64
	entryID   rcron.EntryID
	done      chan struct{}
	runs      atomic.Int64

	mu     sync.RWMutex
	status Status
	err    error
	closed sync.Once
}

func (h *handle) Cancel() {
	h.scheduler.remove(h)
	h.finish(StatusCanceled)
}

func (h *handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Runs() int64 { return h.runs.Load() }

func (h *handle) Next() time.Time {
	if h.Status().terminal() {
		return time.Time{}
	}
	return h.scheduler.next(h.entryID)
}

// setStatus records a non-terminal status unless the job already ended.
func (h *handle) setStatus(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.terminal() {
		return
	}
	h.status = status
	h.err = err
}

// finish moves to a terminal status once; later calls are ignored.
func (h *handle) finish(status Status) {
	h.closed.Do(func() {
		h.mu.Lock()
		h.status = status
		h.mu.Unlock()
		close(h.done)
	})
}
