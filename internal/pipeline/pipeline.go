// Package pipeline runs one channel sync: resolve the credential, fetch
// metrics from the provider and persist dated snapshots.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/chansync/internal/model"
	"github.com/t77yq/chansync/internal/provider"
	"github.com/t77yq/chansync/internal/storage"
)

// DefaultMaxPages bounds item pagination per sync
const DefaultMaxPages = 20

// Credentials resolves usable credentials
type Credentials interface {
	Resolve(ctx context.Context, ownerID, channelID string) (*model.Credential, error)
	HasAnalyticsScope(cred *model.Credential) bool
}

// Pipeline syncs one channel
type Pipeline struct {
	logger   *zap.Logger
	creds    Credentials
	client   provider.Client
	store    storage.SnapshotStore
	maxPages int
	now      func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithMaxPages bounds the number of item pages fetched per sync
func WithMaxPages(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxPages = n
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline
func New(creds Credentials, client provider.Client, store storage.SnapshotStore, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:   logger.Named("pipeline"),
		creds:    creds,
		client:   client,
		store:    store,
		maxPages: DefaultMaxPages,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run syncs the channel of job. Rows written before a failure are kept;
// snapshots are keyed by (entity, UTC date) so a rerun overwrites only today.
func (p *Pipeline) Run(ctx context.Context, job *model.Job) (*model.SyncSummary, error) {
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("channel_id", job.ChannelID))

	cred, err := p.creds.Resolve(ctx, job.OwnerID, job.ChannelID)
	if err != nil {
		return nil, err
	}

	opts := provider.FetchOptions{IncludeRevenue: p.creds.HasAnalyticsScope(cred)}
	if !opts.IncludeRevenue {
		logger.Debug("Analytics scope missing, skipping financial fields")
	}

	metrics, err := p.client.FetchChannelMetrics(ctx, cred.AccessToken, job.ChannelID, opts)
	if err != nil {
		return nil, providerError(err)
	}

	capturedAt := p.now().UTC()
	date := model.SnapshotDate(capturedAt)

	if err := p.store.UpsertChannelSnapshot(ctx, &model.ChannelSnapshot{
		ChannelID:  job.ChannelID,
		Date:       date,
		Metrics:    *metrics,
		CapturedAt: capturedAt,
	}); err != nil {
		return nil, storageError(err)
	}

	summary := &model.SyncSummary{RevenueIncluded: opts.IncludeRevenue}
	var engagement int64

	pageToken := ""
	for page := 0; page < p.maxPages; page++ {
		items, err := p.client.FetchChannelItems(ctx, cred.AccessToken, job.ChannelID, pageToken, opts)
		if err != nil {
			return nil, providerError(err)
		}

		for _, item := range items.Items {
			if err := p.store.UpsertItem(ctx, item); err != nil {
				return nil, storageError(err)
			}
			if err := p.store.UpsertItemSnapshot(ctx, &model.ItemSnapshot{
				ItemID:     item.ID,
				ChannelID:  job.ChannelID,
				Date:       date,
				Metrics:    item.Metrics,
				CapturedAt: capturedAt,
			}); err != nil {
				return nil, storageError(err)
			}

			summary.ItemsProcessed++
			summary.TotalViews += item.Metrics.Views
			engagement += item.Metrics.Likes + item.Metrics.Comments
		}

		pageToken = items.NextPageToken
		if pageToken == "" {
			break
		}
		if page == p.maxPages-1 {
			logger.Warn("Item page limit reached", zap.Int("max_pages", p.maxPages))
		}
	}

	if summary.TotalViews > 0 {
		summary.EngagementRate = float64(engagement) / float64(summary.TotalViews)
	}

	logger.Info("Channel synced",
		zap.Int("items", summary.ItemsProcessed),
		zap.Int64("total_views", summary.TotalViews),
		zap.Bool("revenue_included", summary.RevenueIncluded))
	return summary, nil
}

func providerError(err error) error {
	var e *model.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.KindProviderTimeout, "provider call timed out", err)
	}
	return model.NewError(model.KindProviderFetchFailed, "failed to fetch from provider", err)
}

func storageError(err error) error {
	return model.NewError(model.KindStorageWriteFailed, "failed to write snapshot", err)
}
