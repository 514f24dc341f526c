package queue

import (
	"context"
	"errors"

	"github.com/t77yq/chansync/internal/model"
)

// MemoryQueue is a bounded in-process queue. Jobs are lost on restart.
type MemoryQueue struct {
	jobs chan *model.Job
}

var (
	_ Queue    = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)

var errQueueFull = errors.New("memory queue is full")

// NewMemoryQueue creates a queue holding up to capacity pending jobs
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryCap
	}
	return &MemoryQueue{jobs: make(chan *model.Job, capacity)}
}

// Enqueue implements Queue.Enqueue
func (q *MemoryQueue) Enqueue(ctx context.Context, job *model.Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return unavailable(ctx.Err())
	default:
		return unavailable(errQueueFull)
	}
}

// Consume implements Consumer.Consume
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-q.jobs:
			handler(ctx, NewDelivery(job, 1, nil, nil))
		}
	}
}

// Len returns the number of pending jobs
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}
