package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/t77yq/chansync/internal/model"
)

// UpsertChannelSnapshot implements SnapshotStore.UpsertChannelSnapshot
func (s *SQLite) UpsertChannelSnapshot(ctx context.Context, snapshot *model.ChannelSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_snapshots (
			channel_id, snapshot_date, subscribers, views, item_count, revenue, captured_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, snapshot_date) DO UPDATE SET
			subscribers = excluded.subscribers,
			views = excluded.views,
			item_count = excluded.item_count,
			revenue = excluded.revenue,
			captured_at = excluded.captured_at`,
		snapshot.ChannelID,
		snapshot.Date,
		snapshot.Metrics.Subscribers,
		snapshot.Metrics.Views,
		snapshot.Metrics.ItemCount,
		nullFloat(snapshot.Metrics.Revenue),
		snapshot.CapturedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert channel snapshot: %w", err)
	}
	return nil
}

// UpsertItem implements SnapshotStore.UpsertItem
func (s *SQLite) UpsertItem(ctx context.Context, item *model.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, channel_id, title, published_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			title = excluded.title,
			published_at = excluded.published_at,
			updated_at = excluded.updated_at`,
		item.ID,
		item.ChannelID,
		item.Title,
		nullTime(item.PublishedAt),
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert item: %w", err)
	}
	return nil
}

// UpsertItemSnapshot implements SnapshotStore.UpsertItemSnapshot
func (s *SQLite) UpsertItemSnapshot(ctx context.Context, snapshot *model.ItemSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_snapshots (
			item_id, channel_id, snapshot_date, views, likes, comments, revenue, captured_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id, snapshot_date) DO UPDATE SET
			views = excluded.views,
			likes = excluded.likes,
			comments = excluded.comments,
			revenue = excluded.revenue,
			captured_at = excluded.captured_at`,
		snapshot.ItemID,
		snapshot.ChannelID,
		snapshot.Date,
		snapshot.Metrics.Views,
		snapshot.Metrics.Likes,
		snapshot.Metrics.Comments,
		nullFloat(snapshot.Metrics.Revenue),
		snapshot.CapturedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert item snapshot: %w", err)
	}
	return nil
}

// ListChannelSnapshots implements SnapshotStore.ListChannelSnapshots
func (s *SQLite) ListChannelSnapshots(ctx context.Context, channelID string) ([]*model.ChannelSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, snapshot_date, subscribers, views, item_count, revenue, captured_at
		FROM channel_snapshots
		WHERE channel_id = ?
		ORDER BY snapshot_date DESC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*model.ChannelSnapshot
	for rows.Next() {
		snapshot := &model.ChannelSnapshot{}
		var revenue sql.NullFloat64
		err := rows.Scan(
			&snapshot.ChannelID,
			&snapshot.Date,
			&snapshot.Metrics.Subscribers,
			&snapshot.Metrics.Views,
			&snapshot.Metrics.ItemCount,
			&revenue,
			&snapshot.CapturedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel snapshot: %w", err)
		}
		snapshot.Metrics.Revenue = floatPtr(revenue)
		snapshot.CapturedAt = snapshot.CapturedAt.UTC()
		snapshots = append(snapshots, snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return snapshots, nil
}

// ListItemSnapshots implements SnapshotStore.ListItemSnapshots
func (s *SQLite) ListItemSnapshots(ctx context.Context, itemID string) ([]*model.ItemSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, channel_id, snapshot_date, views, likes, comments, revenue, captured_at
		FROM item_snapshots
		WHERE item_id = ?
		ORDER BY snapshot_date DESC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list item snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*model.ItemSnapshot
	for rows.Next() {
		snapshot := &model.ItemSnapshot{}
		var revenue sql.NullFloat64
		err := rows.Scan(
			&snapshot.ItemID,
			&snapshot.ChannelID,
			&snapshot.Date,
			&snapshot.Metrics.Views,
			&snapshot.Metrics.Likes,
			&snapshot.Metrics.Comments,
			&revenue,
			&snapshot.CapturedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item snapshot: %w", err)
		}
		snapshot.Metrics.Revenue = floatPtr(revenue)
		snapshot.CapturedAt = snapshot.CapturedAt.UTC()
		snapshots = append(snapshots, snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return snapshots, nil
}
