// Package queue hands sync jobs from the schedule registry to the workers.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/t77yq/chansync/internal/model"
)

// Queue accepts jobs for asynchronous execution
type Queue interface {
	// Enqueue returns once the job is durably recorded. Failures are of kind
	// QueueUnavailable.
	Enqueue(ctx context.Context, job *model.Job) error
}

// Handler processes one delivery. It must call Ack when done with the job,
// whether the job succeeded or failed.
type Handler func(ctx context.Context, d *Delivery)

// Consumer delivers enqueued jobs at least once
type Consumer interface {
	// Consume blocks, calling handler for each job, until ctx is done
	Consume(ctx context.Context, handler Handler) error
}

// Delivery is a job handed to a worker
type Delivery struct {
	Job *model.Job
	// Attempt is 1 on first delivery
	Attempt uint64

	once       sync.Once
	ack        func() error
	inProgress func() error
}

// ErrAlreadyAcked is returned by Ack after the first call
var ErrAlreadyAcked = errors.New("delivery already acknowledged")

// NewDelivery builds a delivery with the given acknowledgement hooks.
// Nil hooks are no-ops.
func NewDelivery(job *model.Job, attempt uint64, ack, inProgress func() error) *Delivery {
	return &Delivery{Job: job, Attempt: attempt, ack: ack, inProgress: inProgress}
}

// Ack removes the job from the queue
func (d *Delivery) Ack() error {
	err := ErrAlreadyAcked
	d.once.Do(func() {
		err = nil
		if d.ack != nil {
			err = d.ack()
		}
	})
	return err
}

// InProgress extends the redelivery deadline of a long running job
func (d *Delivery) InProgress() error {
	if d.inProgress == nil {
		return nil
	}
	return d.inProgress()
}

func unavailable(err error) error {
	return model.NewError(model.KindQueueUnavailable, "failed to enqueue job", err)
}
