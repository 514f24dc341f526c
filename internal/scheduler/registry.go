// Package scheduler owns the schedule registry: it persists schedules, keeps
// one cron timer per active schedule and turns each fire into a queued job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/chansync/internal/cronexpr"
	"github.com/t77yq/chansync/internal/model"
	"github.com/t77yq/chansync/internal/monitor"
	"github.com/t77yq/chansync/internal/queue"
	"github.com/t77yq/chansync/internal/storage"
)

// OwnerResolver returns the owner of an active channel
type OwnerResolver interface {
	ResolveChannelOwner(ctx context.Context, channelID string) (string, error)
}

// Registry manages schedules and their timers
type Registry struct {
	logger      *zap.Logger
	store       storage.ScheduleStore
	owners      OwnerResolver
	queue       queue.Queue
	metrics     *monitor.Metrics
	location    *time.Location
	fireTimeout time.Duration
	now         func() time.Time

	cron  *cron.Cron
	chain cron.Chain

	mu          sync.Mutex
	entries     map[string]cron.EntryID
	initialized bool
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLocation sets the time zone cron expressions are evaluated in
func WithLocation(loc *time.Location) Option {
	return func(r *Registry) {
		if loc != nil {
			r.location = loc
		}
	}
}

// WithFireTimeout bounds the work done by one timer callback
func WithFireTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.fireTimeout = d
		}
	}
}

// WithMetrics records triggers and the active timer gauge
func WithMetrics(m *monitor.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a registry. Timers are not installed until Initialize.
func New(store storage.ScheduleStore, owners OwnerResolver, q queue.Queue, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:      logger.Named("scheduler"),
		store:       store,
		owners:      owners,
		queue:       q,
		location:    time.UTC,
		fireTimeout: DefaultFireTimeout,
		now:         time.Now,
		entries:     make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(r)
	}

	cl := &cronLogger{logger: r.logger.Named("cron").Sugar()}
	r.chain = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))
	r.cron = cron.New(
		cron.WithParser(cronexpr.Parser),
		cron.WithLocation(r.location),
		cron.WithLogger(cl),
	)
	return r
}

// Initialize loads active schedules, deactivates exhausted ones, refreshes
// stale next run times, installs timers and starts the cron loop.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return ErrAlreadyInitialized
	}

	schedules, err := r.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active schedules: %w", err)
	}

	now := r.now().In(r.location)
	for _, schedule := range schedules {
		logger := r.logger.With(zap.String("schedule_id", schedule.ID))

		if schedule.Exhausted() {
			if err := r.store.SetScheduleActive(ctx, schedule.ID, false); err != nil {
				return fmt.Errorf("failed to deactivate exhausted schedule %s: %w", schedule.ID, err)
			}
			logger.Info("Deactivated exhausted schedule", zap.Int("run_count", schedule.RunCount))
			continue
		}

		expr, err := cronexpr.Parse(schedule.CronExpression)
		if err != nil {
			logger.Error("Skipping schedule with invalid cron expression", zap.Error(err))
			continue
		}

		if schedule.NextRunAt == nil || !schedule.NextRunAt.After(now) {
			next := expr.Next(now)
			schedule.NextRunAt = &next
			schedule.UpdatedAt = now
			err := r.store.UpdateSchedule(ctx, schedule)
			if errors.Is(err, storage.ErrStaleSchedule) {
				// a run was recorded meanwhile and already moved next_run_at on
				logger.Debug("Schedule advanced while loading")
			} else if err != nil {
				return fmt.Errorf("failed to refresh next run of schedule %s: %w", schedule.ID, err)
			}
		}

		r.installLocked(schedule.ID, expr)
	}

	r.cron.Start()
	r.initialized = true

	r.logger.Info("Schedule registry initialized",
		zap.Int("loaded", len(schedules)),
		zap.Int("timers", len(r.entries)))
	return nil
}

// Stop stops the cron loop and waits for running callbacks, or for ctx
func (r *Registry) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.logger.Warn("Timed out waiting for schedule callbacks")
	}
}

// Create validates and persists a new schedule, installing its timer if active
func (r *Registry) Create(ctx context.Context, spec model.ScheduleSpec) (*model.Schedule, error) {
	if spec.OwnerID == "" || spec.ChannelID == "" {
		return nil, model.Errorf(model.KindInvalidRequest, "owner and channel are required")
	}
	if spec.MaxRuns != nil && *spec.MaxRuns < 0 {
		return nil, model.Errorf(model.KindInvalidRequest, "max runs must not be negative")
	}

	expr, err := cronexpr.Parse(spec.CronExpression)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, spec.OwnerID, spec.ChannelID); err != nil {
		return nil, err
	}

	now := r.now().In(r.location)
	next := expr.Next(now)
	schedule := &model.Schedule{
		ID:             uuid.New().String(),
		OwnerID:        spec.OwnerID,
		ChannelID:      spec.ChannelID,
		CronExpression: expr.String(),
		Active:         spec.Active == nil || *spec.Active,
		NextRunAt:      &next,
		MaxRuns:        spec.MaxRuns,
		Settings:       spec.Settings,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if schedule.Exhausted() {
		schedule.Active = false
	}

	if err := r.store.CreateSchedule(ctx, schedule); err != nil {
		return nil, model.NewError(model.KindStorageWriteFailed, "failed to create schedule", err)
	}

	if schedule.Active {
		r.mu.Lock()
		r.installLocked(schedule.ID, expr)
		r.mu.Unlock()
	}

	r.logger.Info("Created schedule",
		zap.String("schedule_id", schedule.ID),
		zap.String("channel_id", schedule.ChannelID),
		zap.String("expression", schedule.CronExpression),
		zap.Time("next_run", next))

	return schedule, nil
}

// Update applies a partial update to a schedule owned by ownerID. A write
// that races a timer tick is retried on a fresh read.
func (r *Registry) Update(ctx context.Context, ownerID, id string, patch model.SchedulePatch) (*model.Schedule, error) {
	if patch.CronExpression != nil && *patch.CronExpression == "" {
		return nil, model.Errorf(model.KindInvalidRequest, "cron expression must not be empty")
	}
	if patch.MaxRuns != nil && *patch.MaxRuns < 0 {
		return nil, model.Errorf(model.KindInvalidRequest, "max runs must not be negative")
	}
	if patch.MaxRuns != nil && patch.ClearMaxRuns {
		return nil, model.Errorf(model.KindInvalidRequest, "max runs cannot be both set and cleared")
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		schedule, err := r.update(ctx, ownerID, id, patch)
		if errors.Is(err, storage.ErrStaleSchedule) {
			r.logger.Debug("Schedule ran during update, retrying", zap.String("schedule_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}

		r.logger.Info("Updated schedule",
			zap.String("schedule_id", id),
			zap.String("expression", schedule.CronExpression),
			zap.Bool("active", schedule.Active))
		return schedule, nil
	}
	return nil, ErrClaimContention
}

func (r *Registry) update(ctx context.Context, ownerID, id string, patch model.SchedulePatch) (*model.Schedule, error) {
	schedule, err := r.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	expr, err := cronexpr.Parse(schedule.CronExpression)
	if patch.CronExpression != nil {
		expr, err = cronexpr.Parse(*patch.CronExpression)
	}
	if err != nil {
		return nil, err
	}

	now := r.now().In(r.location)
	recompute := expr.String() != schedule.CronExpression
	schedule.CronExpression = expr.String()

	if patch.Active != nil {
		recompute = recompute || (*patch.Active && !schedule.Active)
		schedule.Active = *patch.Active
	}
	switch {
	case patch.ClearMaxRuns:
		schedule.MaxRuns = nil
	case patch.MaxRuns != nil:
		n := *patch.MaxRuns
		schedule.MaxRuns = &n
	}
	if patch.Settings != nil {
		schedule.Settings = patch.Settings
	}
	if schedule.Exhausted() {
		schedule.Active = false
	}
	if recompute || schedule.NextRunAt == nil {
		next := expr.Next(now)
		schedule.NextRunAt = &next
	}
	schedule.UpdatedAt = now

	if err := r.save(ctx, schedule, expr); err != nil {
		return nil, err
	}
	return schedule, nil
}

// Toggle flips the active flag of a schedule. Exhausted schedules cannot be
// activated.
func (r *Registry) Toggle(ctx context.Context, ownerID, id string) (*model.Schedule, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		schedule, err := r.toggle(ctx, ownerID, id)
		if errors.Is(err, storage.ErrStaleSchedule) {
			r.logger.Debug("Schedule ran during toggle, retrying", zap.String("schedule_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}

		r.logger.Info("Toggled schedule", zap.String("schedule_id", id), zap.Bool("active", schedule.Active))
		return schedule, nil
	}
	return nil, ErrClaimContention
}

func (r *Registry) toggle(ctx context.Context, ownerID, id string) (*model.Schedule, error) {
	schedule, err := r.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	expr, err := cronexpr.Parse(schedule.CronExpression)
	if err != nil {
		return nil, err
	}

	now := r.now().In(r.location)
	if !schedule.Active {
		if schedule.Exhausted() {
			return nil, model.Errorf(model.KindInvalidRequest,
				"schedule %s has reached its maximum of %d runs", id, *schedule.MaxRuns)
		}
		next := expr.Next(now)
		schedule.NextRunAt = &next
	}
	schedule.Active = !schedule.Active
	schedule.UpdatedAt = now

	if err := r.save(ctx, schedule, expr); err != nil {
		return nil, err
	}
	return schedule, nil
}

// save writes schedule and swaps its timer while holding r.mu, so a tick
// that claims a run in between removes the timer after it is installed.
// It returns storage.ErrStaleSchedule when run_count moved since the read.
func (r *Registry) save(ctx context.Context, schedule *model.Schedule, expr *cronexpr.Expression) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.UpdateSchedule(ctx, schedule); err != nil {
		if errors.Is(err, storage.ErrStaleSchedule) || errors.Is(err, model.ErrNotFound) {
			return err
		}
		return model.NewError(model.KindStorageWriteFailed, "failed to save schedule", err)
	}

	r.removeLocked(schedule.ID)
	if schedule.Active {
		r.installLocked(schedule.ID, expr)
	}
	return nil
}

// Delete removes the timer of a schedule, then the schedule itself.
// Jobs already queued or running are not affected.
func (r *Registry) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := r.load(ctx, ownerID, id); err != nil {
		return err
	}

	r.mu.Lock()
	r.removeLocked(id)
	r.mu.Unlock()

	if err := r.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}

	r.logger.Info("Deleted schedule", zap.String("schedule_id", id))
	return nil
}

// RunNow enqueues a job for the schedule immediately, ignoring the active
// flag and run limit. It returns once the job is durably enqueued.
func (r *Registry) RunNow(ctx context.Context, ownerID, id string) (*model.Job, error) {
	schedule, err := r.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, ownerID, schedule.ChannelID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		job, err := r.execute(ctx, id, false, model.JobTriggerManual)
		if errors.Is(err, errClaimLost) {
			continue
		}
		return job, err
	}
	r.metrics.RecordTrigger(string(model.JobTriggerManual), monitor.OutcomeError)
	return nil, ErrClaimContention
}

// Get returns a schedule owned by ownerID
func (r *Registry) Get(ctx context.Context, ownerID, id string) (*model.Schedule, error) {
	return r.load(ctx, ownerID, id)
}

// ListByOwner returns every schedule of ownerID
func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]*model.Schedule, error) {
	return r.store.ListSchedulesByOwner(ctx, ownerID)
}

// TimerCount returns the number of installed timers
func (r *Registry) TimerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// HasTimer reports whether a timer is installed for the schedule
func (r *Registry) HasTimer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// fire is the timer callback
func (r *Registry) fire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.fireTimeout)
	defer cancel()

	job, err := r.execute(ctx, id, true, model.JobTriggerCron)
	switch {
	case errors.Is(err, errClaimLost):
		r.logger.Debug("Schedule tick claimed elsewhere", zap.String("schedule_id", id))
	case err != nil:
		r.logger.Error("Failed to fire schedule", zap.String("schedule_id", id), zap.Error(err))
	case job != nil:
		r.logger.Info("Fired schedule",
			zap.String("schedule_id", id),
			zap.String("job_id", job.ID))
	}
}

// execute reloads the schedule, claims the run and enqueues a job. When
// gated, inactive or exhausted schedules are skipped and lose their timer.
func (r *Registry) execute(ctx context.Context, id string, gated bool, trigger model.JobTrigger) (*model.Job, error) {
	schedule, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			r.removeTimer(id)
		}
		r.metrics.RecordTrigger(string(trigger), monitor.OutcomeError)
		return nil, err
	}

	if gated {
		if !schedule.Active {
			r.removeTimer(id)
			r.metrics.RecordTrigger(string(trigger), monitor.OutcomeSkipped)
			return nil, nil
		}
		if schedule.Exhausted() {
			r.removeTimer(id)
			if err := r.store.SetScheduleActive(ctx, id, false); err != nil {
				return nil, fmt.Errorf("failed to deactivate exhausted schedule: %w", err)
			}
			r.metrics.RecordTrigger(string(trigger), monitor.OutcomeExhausted)
			r.logger.Info("Schedule reached its run limit", zap.String("schedule_id", id))
			return nil, nil
		}
	}

	expr, err := cronexpr.Parse(schedule.CronExpression)
	if err != nil {
		r.metrics.RecordTrigger(string(trigger), monitor.OutcomeError)
		return nil, err
	}

	now := r.now().In(r.location)
	next := expr.Next(now)
	run := storage.ScheduleRun{
		ScheduleID:       id,
		ExpectedRunCount: schedule.RunCount,
		RanAt:            now,
		NextRunAt:        &next,
		Active:           true,
	}
	if schedule.MaxRuns != nil && schedule.RunCount+1 >= *schedule.MaxRuns {
		run.Active = false
	}

	claimed, err := r.store.RecordScheduleRun(ctx, run)
	if err != nil {
		r.metrics.RecordTrigger(string(trigger), monitor.OutcomeError)
		return nil, model.NewError(model.KindStorageWriteFailed, "failed to record schedule run", err)
	}
	if !claimed {
		r.metrics.RecordTrigger(string(trigger), monitor.OutcomeSkipped)
		return nil, errClaimLost
	}
	if !run.Active || !schedule.Active {
		r.removeTimer(id)
	}

	job := model.NewJob(schedule, trigger, now)
	if err := r.queue.Enqueue(ctx, job); err != nil {
		r.metrics.RecordTrigger(string(trigger), monitor.OutcomeError)
		return nil, err
	}

	r.metrics.RecordTrigger(string(trigger), monitor.OutcomeEnqueued)
	return job, nil
}

func (r *Registry) load(ctx context.Context, ownerID, id string) (*model.Schedule, error) {
	schedule, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if schedule.OwnerID != ownerID {
		return nil, model.Errorf(model.KindNotFound, "schedule %s not found", id)
	}
	return schedule, nil
}

func (r *Registry) authorize(ctx context.Context, ownerID, channelID string) error {
	owner, err := r.owners.ResolveChannelOwner(ctx, channelID)
	if err != nil {
		return err
	}
	if owner != ownerID {
		return model.Errorf(model.KindUnauthorized, "channel %s is not owned by %s", channelID, ownerID)
	}
	return nil
}

func (r *Registry) installLocked(id string, expr *cronexpr.Expression) {
	r.removeLocked(id)
	job := r.chain.Then(cron.FuncJob(func() { r.fire(id) }))
	r.entries[id] = r.cron.Schedule(expr.Schedule(), job)
	r.metrics.SetActiveTimers(len(r.entries))
}

func (r *Registry) removeLocked(id string) {
	entryID, ok := r.entries[id]
	if !ok {
		return
	}
	r.cron.Remove(entryID)
	delete(r.entries, id)
	r.metrics.SetActiveTimers(len(r.entries))
}

func (r *Registry) removeTimer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}
