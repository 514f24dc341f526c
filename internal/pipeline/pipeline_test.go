package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/chansync/internal/model"
	"github.com/t77yq/chansync/internal/provider"
	"github.com/t77yq/chansync/internal/storage"
)

type fakeCreds struct {
	cred      *model.Credential
	err       error
	analytics bool
}

func (f *fakeCreds) Resolve(ctx context.Context, ownerID, channelID string) (*model.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cred, nil
}

func (f *fakeCreds) HasAnalyticsScope(*model.Credential) bool { return f.analytics }

type fakeClient struct {
	pages      int
	failOnPage int
	calls      int
	lastOpts   provider.FetchOptions
}

func revenue(v float64) *float64 { return &v }

func (f *fakeClient) FetchChannelMetrics(ctx context.Context, token, channelID string, opts provider.FetchOptions) (*model.ChannelMetrics, error) {
	f.lastOpts = opts
	m := &model.ChannelMetrics{Subscribers: 10, Views: 1000, ItemCount: int64(f.pages * 2)}
	if opts.IncludeRevenue {
		m.Revenue = revenue(9.5)
	}
	return m, nil
}

func (f *fakeClient) FetchChannelItems(ctx context.Context, token, channelID, pageToken string, opts provider.FetchOptions) (*provider.ItemPage, error) {
	f.calls++
	page := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "p%d", &page)
	}
	if f.failOnPage > 0 && page == f.failOnPage {
		return nil, model.Errorf(model.KindProviderFetchFailed, "page %d unavailable", page)
	}

	out := &provider.ItemPage{}
	for i := 0; i < 2; i++ {
		item := &model.Item{
			ID:        fmt.Sprintf("v%d-%d", page, i),
			ChannelID: channelID,
			Metrics:   model.ItemMetrics{Views: 100, Likes: 8, Comments: 2},
		}
		if opts.IncludeRevenue {
			item.Metrics.Revenue = revenue(1)
		}
		out.Items = append(out.Items, item)
	}
	if page+1 < f.pages {
		out.NextPageToken = fmt.Sprintf("p%d", page+1)
	}
	return out, nil
}

type failingStore struct {
	storage.SnapshotStore
}

func (failingStore) UpsertItem(context.Context, *model.Item) error {
	return errors.New("disk full")
}

var day = time.Date(2026, time.March, 10, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(zaptest.NewLogger(t), "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newJob() *model.Job {
	return &model.Job{ID: uuid.NewString(), ChannelID: "chan-1", OwnerID: "owner-1", Trigger: model.JobTriggerManual}
}

func TestRunWritesSnapshots(t *testing.T) {
	store := newStore(t)
	client := &fakeClient{pages: 3}
	p := New(&fakeCreds{cred: &model.Credential{AccessToken: "tok"}}, client, store, zaptest.NewLogger(t),
		WithClock(func() time.Time { return day }))

	summary, err := p.Run(context.Background(), newJob())
	require.NoError(t, err)
	assert.Equal(t, 6, summary.ItemsProcessed)
	assert.Equal(t, int64(600), summary.TotalViews)
	assert.InDelta(t, 0.1, summary.EngagementRate, 1e-9)
	assert.False(t, summary.RevenueIncluded)
	assert.False(t, client.lastOpts.IncludeRevenue)

	channel, err := store.ListChannelSnapshots(context.Background(), "chan-1")
	require.NoError(t, err)
	require.Len(t, channel, 1)
	assert.Equal(t, "2026-03-10", channel[0].Date)
	assert.Nil(t, channel[0].Metrics.Revenue)

	items, err := store.ListItemSnapshots(context.Background(), "v2-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Metrics.Revenue)
}

func TestRunIncludesRevenueWithAnalyticsScope(t *testing.T) {
	store := newStore(t)
	p := New(&fakeCreds{cred: &model.Credential{AccessToken: "tok"}, analytics: true}, &fakeClient{pages: 1}, store,
		zaptest.NewLogger(t), WithClock(func() time.Time { return day }))

	summary, err := p.Run(context.Background(), newJob())
	require.NoError(t, err)
	assert.True(t, summary.RevenueIncluded)

	channel, err := store.ListChannelSnapshots(context.Background(), "chan-1")
	require.NoError(t, err)
	require.NotNil(t, channel[0].Metrics.Revenue)
	assert.Equal(t, 9.5, *channel[0].Metrics.Revenue)
}

func TestRerunOverwritesOnlyToday(t *testing.T) {
	store := newStore(t)
	now := day
	p := New(&fakeCreds{cred: &model.Credential{AccessToken: "tok"}}, &fakeClient{pages: 1}, store,
		zaptest.NewLogger(t), WithClock(func() time.Time { return now }))

	_, err := p.Run(context.Background(), newJob())
	require.NoError(t, err)
	now = day.Add(time.Hour)
	_, err = p.Run(context.Background(), newJob())
	require.NoError(t, err)

	snapshots, err := store.ListChannelSnapshots(context.Background(), "chan-1")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.True(t, snapshots[0].CapturedAt.Equal(day.Add(time.Hour)))

	now = day.Add(24 * time.Hour)
	_, err = p.Run(context.Background(), newJob())
	require.NoError(t, err)

	snapshots, err = store.ListChannelSnapshots(context.Background(), "chan-1")
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, "2026-03-11", snapshots[0].Date)
	assert.Equal(t, "2026-03-10", snapshots[1].Date)
}

func TestRunPageLimit(t *testing.T) {
	store := newStore(t)
	client := &fakeClient{pages: 10}
	p := New(&fakeCreds{cred: &model.Credential{AccessToken: "tok"}}, client, store, zaptest.NewLogger(t), WithMaxPages(2))

	summary, err := p.Run(context.Background(), newJob())
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, 4, summary.ItemsProcessed)
}

func TestRunFailures(t *testing.T) {
	t.Run("credential error passes through and writes nothing", func(t *testing.T) {
		store := newStore(t)
		denied := model.RefreshError(model.ReasonRefreshDenied, errors.New("invalid_grant"))
		p := New(&fakeCreds{err: denied}, &fakeClient{pages: 1}, store, zaptest.NewLogger(t))

		_, err := p.Run(context.Background(), newJob())
		assert.True(t, errors.Is(err, model.ErrRefreshDenied))

		snapshots, err := store.ListChannelSnapshots(context.Background(), "chan-1")
		require.NoError(t, err)
		assert.Empty(t, snapshots)
	})

	t.Run("provider failure keeps earlier rows", func(t *testing.T) {
		store := newStore(t)
		p := New(&fakeCreds{cred: &model.Credential{AccessToken: "tok"}}, &fakeClient{pages: 3, failOnPage: 1}, store,
			zaptest.NewLogger(t))

		_, err := p.Run(context.Background(), newJob())
		assert.True(t, errors.Is(err, model.ErrProviderFetchFailed))

		snapshots, err := store.ListChannelSnapshots(context.Background(), "chan-1")
		require.NoError(t, err)
		assert.Len(t, snapshots, 1)
		items, err := store.ListItemSnapshots(context.Background(), "v0-0")
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("storage failure", func(t *testing.T) {
		store := newStore(t)
		p := New(&fakeCreds{cred: &model.Credential{AccessToken: "tok"}}, &fakeClient{pages: 1},
			failingStore{SnapshotStore: store}, zaptest.NewLogger(t))

		_, err := p.Run(context.Background(), newJob())
		assert.True(t, errors.Is(err, model.ErrStorageWriteFailed))
	})
}

func TestProviderErrorMapping(t *testing.T) {
	assert.Equal(t, model.KindProviderTimeout, model.KindOf(providerError(context.DeadlineExceeded)))
	assert.Equal(t, model.KindProviderFetchFailed, model.KindOf(providerError(errors.New("eof"))))
	assert.Equal(t, model.KindProviderTimeout,
		model.KindOf(providerError(model.Errorf(model.KindProviderTimeout, "slow"))))
}
