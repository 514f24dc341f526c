// Package worker consumes sync jobs from the queue and runs them through the
// pipeline, reporting progress to the notifier.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/t77yq/chansync/internal/lock"
	"github.com/t77yq/chansync/internal/model"
	"github.com/t77yq/chansync/internal/monitor"
	"github.com/t77yq/chansync/internal/notifier"
	"github.com/t77yq/chansync/internal/queue"
	"github.com/t77yq/chansync/internal/storage"
)

// Runner executes the sync of one job
type Runner interface {
	Run(ctx context.Context, job *model.Job) (*model.SyncSummary, error)
}

// Revoker deactivates the credential of a channel
type Revoker interface {
	RevokeChannel(ctx context.Context, ownerID, channelID string) error
}

// AlertObserver is fed every final status event
type AlertObserver interface {
	Observe(ownerID string, event *model.StatusEvent) *model.Alert
}

// Config defines worker limits
type Config struct {
	// Concurrency is the number of jobs processed at once
	Concurrency int
	// LeaseWait bounds how long a job waits for its channel lease
	LeaseWait time.Duration
	// JobTimeout bounds a single job; zero means no bound
	JobTimeout time.Duration
	// HeartbeatInterval is how often a running job extends its ack deadline
	HeartbeatInterval time.Duration
	// RevokeOnDenied deactivates the credential when the provider denies a refresh
	RevokeOnDenied bool
}

const (
	DefaultConcurrency       = 4
	DefaultLeaseWait         = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	releaseTimeout           = 5 * time.Second
)

// Worker processes sync jobs
type Worker struct {
	logger    *zap.Logger
	consumer  queue.Consumer
	runner    Runner
	leases    lock.LeaseManager
	publisher notifier.Publisher
	history   storage.RunHistoryStore
	metrics   *monitor.Metrics
	alerts    AlertObserver
	revoker   Revoker
	config    Config
	now       func() time.Time

	sem     *semaphore.Weighted
	running sync.Map
	wg      sync.WaitGroup
}

// Option configures a Worker
type Option func(*Worker)

// WithMetrics records job outcomes
func WithMetrics(m *monitor.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithAlerts feeds final status events to an alert observer
func WithAlerts(a AlertObserver) Option {
	return func(w *Worker) { w.alerts = a }
}

// WithRevoker sets the credential revoker used when Config.RevokeOnDenied is set
func WithRevoker(r Revoker) Option {
	return func(w *Worker) { w.revoker = r }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a worker
func New(consumer queue.Consumer, runner Runner, leases lock.LeaseManager, publisher notifier.Publisher,
	history storage.RunHistoryStore, logger *zap.Logger, config Config, opts ...Option) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.LeaseWait <= 0 {
		config.LeaseWait = DefaultLeaseWait
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}

	w := &Worker{
		logger:    logger.Named("worker"),
		consumer:  consumer,
		runner:    runner,
		leases:    leases,
		publisher: publisher,
		history:   history,
		config:    config,
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(config.Concurrency)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes jobs until ctx is done, then waits for in-flight jobs to finish
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", zap.Int("concurrency", w.config.Concurrency))

	err := w.consumer.Consume(ctx, w.handle)
	w.wg.Wait()

	w.logger.Info("Worker stopped")
	return err
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		// JetStream redelivers the unacked job, the memory queue loses it
		w.logger.Warn("Job not started before shutdown",
			zap.String("job_id", d.Job.ID),
			zap.String("channel_id", d.Job.ChannelID))
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)

		if d.Attempt > 1 {
			w.logger.Warn("Job redelivered",
				zap.String("job_id", d.Job.ID),
				zap.Uint64("attempt", d.Attempt))
		}

		stop := w.heartbeat(d)
		w.ProcessJob(context.WithoutCancel(ctx), d.Job)
		stop()

		if err := d.Ack(); err != nil {
			w.logger.Error("Failed to acknowledge job", zap.String("job_id", d.Job.ID), zap.Error(err))
		}
	}()
}

func (w *Worker) heartbeat(d *queue.Delivery) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := d.InProgress(); err != nil {
					w.logger.Warn("Failed to extend job deadline", zap.String("job_id", d.Job.ID), zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

// ProcessJob runs one job to completion. It emits a processing event, then
// exactly one success or failed event, which it also returns.
func (w *Worker) ProcessJob(ctx context.Context, job *model.Job) *model.StatusEvent {
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("channel_id", job.ChannelID),
		zap.String("schedule_id", job.ScheduleID))

	w.running.Store(job.ID, job)
	defer w.running.Delete(job.ID)

	start := w.now()
	w.emit(job, &model.StatusEvent{
		JobID:      job.ID,
		ChannelID:  job.ChannelID,
		ScheduleID: job.ScheduleID,
		Status:     model.SyncStatusProcessing,
		Message:    "sync started",
		At:         start,
	})

	record := &storage.RunRecord{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		ScheduleID: job.ScheduleID,
		OwnerID:    job.OwnerID,
		ChannelID:  job.ChannelID,
		Trigger:    job.Trigger,
		Status:     model.SyncStatusProcessing,
		StartedAt:  start,
	}
	if err := w.history.StoreRun(ctx, record); err != nil {
		logger.Error("Failed to store run record", zap.Error(err))
	}

	if w.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.JobTimeout)
		defer cancel()
	}

	summary, err := w.execute(ctx, job)

	end := w.now()
	event := &model.StatusEvent{
		JobID:      job.ID,
		ChannelID:  job.ChannelID,
		ScheduleID: job.ScheduleID,
		At:         end,
	}
	record.CompletedAt = &end
	record.Duration = end.Sub(start)

	if err != nil {
		kind := model.KindOf(err)
		event.Status = model.SyncStatusFailed
		event.Kind = kind
		event.Message = err.Error()
		record.Status = model.SyncStatusFailed
		record.Kind = kind
		record.Error = err.Error()
		logger.Error("Sync failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		event.Status = model.SyncStatusSuccess
		event.Message = "sync completed"
		event.Result = summary
		record.Status = model.SyncStatusSuccess
		record.Summary = summary
		logger.Info("Sync completed",
			zap.Int("items", summary.ItemsProcessed),
			zap.Duration("duration", record.Duration))
	}

	w.emit(job, event)

	if err := w.history.UpdateRun(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("Failed to update run record", zap.Error(err))
	}
	w.metrics.RecordJob(string(event.Status), string(event.Kind), record.Duration)
	if w.alerts != nil {
		w.alerts.Observe(job.OwnerID, event)
	}
	if err != nil && errors.Is(err, model.ErrRefreshDenied) {
		w.revoke(context.WithoutCancel(ctx), job, logger)
	}

	return event
}

func (w *Worker) execute(ctx context.Context, job *model.Job) (*model.SyncSummary, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, w.config.LeaseWait)
	lease, err := w.leases.Acquire(leaseCtx, job.OwnerID+"/"+job.ChannelID)
	cancel()
	if err != nil {
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			w.logger.Error("Failed to release channel lease",
				zap.String("channel_id", job.ChannelID),
				zap.Error(err))
		}
	}()

	return w.runner.Run(ctx, job)
}

func (w *Worker) revoke(ctx context.Context, job *model.Job, logger *zap.Logger) {
	if !w.config.RevokeOnDenied || w.revoker == nil {
		return
	}
	if err := w.revoker.RevokeChannel(ctx, job.OwnerID, job.ChannelID); err != nil {
		logger.Error("Failed to revoke denied credential", zap.Error(err))
	}
}

func (w *Worker) emit(job *model.Job, event *model.StatusEvent) {
	if w.publisher == nil {
		return
	}
	w.publisher.Publish(job.OwnerID, event)
}

// Running returns the jobs currently being processed
func (w *Worker) Running() []*model.Job {
	var jobs []*model.Job
	w.running.Range(func(key, value any) bool {
		jobs = append(jobs, value.(*model.Job))
		return true
	})
	return jobs
}
