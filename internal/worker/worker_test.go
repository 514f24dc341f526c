package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/t77yq/chansync/internal/credential"
	"github.com/t77yq/chansync/internal/lock"
	"github.com/t77yq/chansync/internal/model"
	"github.com/t77yq/chansync/internal/monitor"
	"github.com/t77yq/chansync/internal/pipeline"
	"github.com/t77yq/chansync/internal/provider"
	"github.com/t77yq/chansync/internal/queue"
	"github.com/t77yq/chansync/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []*model.StatusEvent
}

func (r *recorder) Publish(ownerID string, event *model.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) terminal() []*model.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.StatusEvent
	for _, e := range r.events {
		if e.Status.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

type deniedExchanger struct{}

func (deniedExchanger) Exchange(ctx context.Context, refreshToken string) (*model.TokenBundle, error) {
	return nil, model.RefreshError(model.ReasonRefreshDenied, nil)
}

type staticClient struct{}

func (staticClient) FetchChannelMetrics(ctx context.Context, token, channelID string, opts provider.FetchOptions) (*model.ChannelMetrics, error) {
	return &model.ChannelMetrics{Subscribers: 5, Views: 50, ItemCount: 1}, nil
}

func (staticClient) FetchChannelItems(ctx context.Context, token, channelID, pageToken string, opts provider.FetchOptions) (*provider.ItemPage, error) {
	return &provider.ItemPage{Items: []*model.Item{{
		ID:        "item-1",
		ChannelID: channelID,
		Metrics:   model.ItemMetrics{Views: 40, Likes: 3, Comments: 1},
	}}}, nil
}

type funcRunner func(ctx context.Context, job *model.Job) (*model.SyncSummary, error)

func (f funcRunner) Run(ctx context.Context, job *model.Job) (*model.SyncSummary, error) {
	return f(ctx, job)
}

type fixture struct {
	store  *storage.SQLite
	events *recorder
	alerts *monitor.AlertManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLite(zaptest.NewLogger(t), "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{
		store:  store,
		events: &recorder{},
		alerts: monitor.NewAlertManager(zaptest.NewLogger(t), nil, 1),
	}
}

func (f *fixture) saveCredential(t *testing.T, owner, channel string, expiresAt time.Time) *model.Credential {
	t.Helper()
	now := time.Now().UTC()
	cred := &model.Credential{
		ID:           uuid.NewString(),
		OwnerID:      owner,
		ChannelID:    channel,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    &expiresAt,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.store.SaveCredential(context.Background(), cred))
	return cred
}

func (f *fixture) worker(t *testing.T, runner Runner, leases lock.LeaseManager, config Config, opts ...Option) *Worker {
	opts = append([]Option{WithAlerts(f.alerts)}, opts...)
	return New(queue.NewMemoryQueue(8), runner, leases, f.events, f.store, zaptest.NewLogger(t), config, opts...)
}

func testJob(owner, channel string) *model.Job {
	return &model.Job{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		ChannelID:  channel,
		ScheduleID: "sched-1",
		Trigger:    model.JobTriggerCron,
		EnqueuedAt: time.Now(),
	}
}

func TestProcessJobRefreshDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := f.saveCredential(t, "owner-1", "chan-1", time.Now().Add(-time.Hour))

	manager := credential.NewManager(f.store, deniedExchanger{}, zaptest.NewLogger(t))
	runner := pipeline.New(manager, staticClient{}, f.store, zaptest.NewLogger(t))
	w := f.worker(t, runner, lock.NewLocalLeaser(), Config{}, WithRevoker(manager))

	event := w.ProcessJob(ctx, testJob("owner-1", "chan-1"))

	assert.Equal(t, model.SyncStatusFailed, event.Status)
	assert.Equal(t, model.KindCredentialRefreshFailed, event.Kind)

	terminal := f.events.terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, model.SyncStatusFailed, terminal[0].Status)
	assert.Equal(t, model.SyncStatusProcessing, f.events.events[0].Status)

	snapshots, err := f.store.ListChannelSnapshots(ctx, "chan-1")
	require.NoError(t, err)
	assert.Empty(t, snapshots)

	// revoke_on_denied is off
	got, err := f.store.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	runs, err := f.store.ListRuns(ctx, storage.RunFilter{ChannelID: "chan-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.SyncStatusFailed, runs[0].Status)
	assert.Equal(t, model.KindCredentialRefreshFailed, runs[0].Kind)
	assert.NotNil(t, runs[0].CompletedAt)

	assert.Equal(t, 1, f.alerts.Failures("chan-1"))
}

func TestProcessJobRevokesDeniedCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := f.saveCredential(t, "owner-1", "chan-1", time.Now().Add(-time.Hour))

	manager := credential.NewManager(f.store, deniedExchanger{}, zaptest.NewLogger(t))
	runner := pipeline.New(manager, staticClient{}, f.store, zaptest.NewLogger(t))
	w := f.worker(t, runner, lock.NewLocalLeaser(), Config{RevokeOnDenied: true}, WithRevoker(manager))

	w.ProcessJob(ctx, testJob("owner-1", "chan-1"))

	got, err := f.store.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestProcessJobSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveCredential(t, "owner-1", "chan-1", time.Now().Add(time.Hour))

	manager := credential.NewManager(f.store, deniedExchanger{}, zaptest.NewLogger(t))
	runner := pipeline.New(manager, staticClient{}, f.store, zaptest.NewLogger(t))
	w := f.worker(t, runner, lock.NewLocalLeaser(), Config{})

	event := w.ProcessJob(ctx, testJob("owner-1", "chan-1"))

	assert.Equal(t, model.SyncStatusSuccess, event.Status)
	require.NotNil(t, event.Result)
	assert.Equal(t, 1, event.Result.ItemsProcessed)
	assert.Equal(t, int64(40), event.Result.TotalViews)
	assert.InDelta(t, 0.1, event.Result.EngagementRate, 1e-9)
	assert.Len(t, f.events.terminal(), 1)

	snapshots, err := f.store.ListChannelSnapshots(ctx, "chan-1")
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)

	runs, err := f.store.ListRuns(ctx, storage.RunFilter{ChannelID: "chan-1", Status: model.SyncStatusSuccess})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Summary.ItemsProcessed)
	assert.Empty(t, w.Running())
}

func TestProcessJobChannelBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leases := lock.NewLocalLeaser()

	held, err := leases.Acquire(ctx, "owner-1/chan-1")
	require.NoError(t, err)
	defer held.Release(ctx)

	called := false
	runner := funcRunner(func(ctx context.Context, job *model.Job) (*model.SyncSummary, error) {
		called = true
		return &model.SyncSummary{}, nil
	})
	w := f.worker(t, runner, leases, Config{LeaseWait: 20 * time.Millisecond})

	event := w.ProcessJob(ctx, testJob("owner-1", "chan-1"))

	assert.Equal(t, model.SyncStatusFailed, event.Status)
	assert.Equal(t, model.KindChannelBusy, event.Kind)
	assert.False(t, called)
}

func TestProcessJobSerializesPerChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	active, peak := 0, 0
	runner := funcRunner(func(ctx context.Context, job *model.Job) (*model.SyncSummary, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &model.SyncSummary{}, nil
	})
	w := f.worker(t, runner, lock.NewLocalLeaser(), Config{LeaseWait: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.ProcessJob(ctx, testJob("owner-1", "chan-1"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	assert.Len(t, f.events.terminal(), 3)
}

func TestRunConsumesAndAcks(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemoryQueue(8)

	done := make(chan string, 4)
	runner := funcRunner(func(ctx context.Context, job *model.Job) (*model.SyncSummary, error) {
		done <- job.ID
		return &model.SyncSummary{}, nil
	})
	w := New(q, runner, lock.NewLocalLeaser(), f.events, f.store, zaptest.NewLogger(t), Config{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	jobs := []*model.Job{testJob("owner-1", "chan-1"), testJob("owner-1", "chan-2")}
	for _, job := range jobs {
		require.NoError(t, q.Enqueue(context.Background(), job))
	}

	seen := map[string]bool{}
	for range jobs {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("job was not processed")
		}
	}
	assert.True(t, seen[jobs[0].ID])
	assert.True(t, seen[jobs[1].ID])

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Len(t, f.events.terminal(), 2)
}

func TestHandleAfterShutdownLogsUnstartedJob(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.WarnLevel)

	runner := funcRunner(func(ctx context.Context, job *model.Job) (*model.SyncSummary, error) {
		t.Error("job must not run after shutdown")
		return nil, nil
	})
	w := New(queue.NewMemoryQueue(1), runner, lock.NewLocalLeaser(), f.events, f.store, zap.New(core), Config{Concurrency: 1})

	// every slot is busy when shutdown arrives
	require.NoError(t, w.sem.Acquire(context.Background(), 1))
	defer w.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	acked := false
	job := testJob("owner-1", "chan-1")
	w.handle(ctx, queue.NewDelivery(job, 1, func() error {
		acked = true
		return nil
	}, nil))
	w.wg.Wait()

	assert.False(t, acked)
	assert.Empty(t, f.events.events)

	entries := logs.FilterMessage("Job not started before shutdown").All()
	require.Len(t, entries, 1)
	assert.Equal(t, job.ID, entries[0].ContextMap()["job_id"])
}
