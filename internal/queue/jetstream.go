package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/chansync/internal/model"
)

// JetStreamOptions configures the durable job stream and its consumer
type JetStreamOptions struct {
	Stream        string
	Subject       string
	Durable       string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
	FetchWait     time.Duration
}

func (o *JetStreamOptions) defaults() {
	if o.Stream == "" {
		o.Stream = DefaultStreamName
	}
	if o.Subject == "" {
		o.Subject = DefaultSubject
	}
	if o.Durable == "" {
		o.Durable = DefaultDurable
	}
	if o.AckWait <= 0 {
		o.AckWait = DefaultAckWait
	}
	if o.MaxDeliver == 0 {
		o.MaxDeliver = DefaultMaxDeliver
	}
	if o.MaxAckPending <= 0 {
		o.MaxAckPending = DefaultMaxAckPending
	}
	if o.FetchWait <= 0 {
		o.FetchWait = DefaultFetchWait
	}
}

// JetStreamQueue is a durable work queue on a JetStream stream with
// work-queue retention. Acked messages are removed from the stream.
type JetStreamQueue struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	opts   JetStreamOptions
}

var (
	_ Queue    = (*JetStreamQueue)(nil)
	_ Consumer = (*JetStreamQueue)(nil)
)

// NewJetStreamQueue creates the job stream if needed
func NewJetStreamQueue(js nats.JetStreamContext, logger *zap.Logger, opts JetStreamOptions) (*JetStreamQueue, error) {
	opts.defaults()
	q := &JetStreamQueue{
		js:     js,
		logger: logger.Named("queue"),
		opts:   opts,
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := q.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}
	return q, nil
}

func (q *JetStreamQueue) setupStream(ctx context.Context) error {
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:       q.opts.Stream,
		Subjects:   []string{q.opts.Subject},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		MaxAge:     streamMaxAge,
		MaxMsgs:    streamMaxMsgs,
		Duplicates: duplicateWindow,
	}, nats.Context(ctx))

	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			q.logger.Info("Stream already exists", zap.String("stream", q.opts.Stream))
			return nil
		}
		return err
	}

	q.logger.Info("Stream created successfully", zap.String("stream", q.opts.Stream))
	return nil
}

// Enqueue implements Queue.Enqueue. The job ID is the message ID, so a
// publish retried within the duplicate window is stored once.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ack, err := q.js.Publish(q.opts.Subject, data, nats.MsgId(job.ID), nats.Context(ctx))
	if err != nil {
		return unavailable(err)
	}

	q.logger.Debug("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("channel_id", job.ChannelID),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// Consume implements Consumer.Consume with a durable pull consumer shared
// by every worker process
func (q *JetStreamQueue) Consume(ctx context.Context, handler Handler) error {
	sub, err := q.js.PullSubscribe(q.opts.Subject, q.opts.Durable,
		nats.AckExplicit(),
		nats.AckWait(q.opts.AckWait),
		nats.MaxDeliver(q.opts.MaxDeliver),
		nats.MaxAckPending(q.opts.MaxAckPending),
		nats.BindStream(q.opts.Stream),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	q.logger.Info("Consuming jobs",
		zap.String("stream", q.opts.Stream),
		zap.String("durable", q.opts.Durable))

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, q.opts.FetchWait)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			q.logger.Warn("Failed to fetch jobs", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			q.dispatch(ctx, msg, handler)
		}
	}
}

func (q *JetStreamQueue) dispatch(ctx context.Context, msg *nats.Msg, handler Handler) {
	var job model.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.Error("Failed to unmarshal job", zap.Error(err))
		if err := msg.Term(); err != nil {
			q.logger.Warn("Failed to terminate message", zap.Error(err))
		}
		return
	}

	var attempt uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = meta.NumDelivered
	}

	handler(ctx, NewDelivery(&job, attempt,
		func() error { return msg.Ack() },
		func() error { return msg.InProgress() },
	))
}
