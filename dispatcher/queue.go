package dispatcher

import (
	"context"
	"fmt"

	evaluation "github.com/taloric/df-evaluation"
)

// DefaultQueueSize bounds the inbound control queue.
const DefaultQueueSize = 1024

// Queue is the multi-producer, single-consumer control channel. Messages
// for one uuid keep their publish order.
type Queue struct {
	ch chan evaluation.CaseParams
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan evaluation.CaseParams, size)}
}

// Publish validates msg and enqueues it, blocking while the queue is full.
func (q *Queue) Publish(ctx context.Context, msg evaluation.CaseParams) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s for %s: %w", msg.Action, msg.UUID, ctx.Err())
	}
}

// Len is the number of messages waiting.
func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) receive() <-chan evaluation.CaseParams { return q.ch }
