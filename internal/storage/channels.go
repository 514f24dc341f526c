package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/t77yq/chansync/internal/model"
)

// SaveChannel implements ChannelStore.SaveChannel
func (s *SQLite) SaveChannel(ctx context.Context, channel *model.Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, owner_id, title, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			title = excluded.title,
			active = excluded.active`,
		channel.ID,
		channel.OwnerID,
		channel.Title,
		channel.Active,
		channel.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// GetChannel implements ChannelStore.GetChannel
func (s *SQLite) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	var channel model.Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, active, created_at
		FROM channels
		WHERE id = ?`, id).Scan(
		&channel.ID,
		&channel.OwnerID,
		&channel.Title,
		&channel.Active,
		&channel.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("channel", id)
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	channel.CreatedAt = channel.CreatedAt.UTC()
	return &channel, nil
}

// ResolveChannelOwner implements ChannelStore.ResolveChannelOwner.
// Inactive channels resolve to KindUnauthorized.
func (s *SQLite) ResolveChannelOwner(ctx context.Context, channelID string) (string, error) {
	channel, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	if !channel.Active {
		return "", model.Errorf(model.KindUnauthorized, "channel %s is inactive", channelID)
	}
	return channel.OwnerID, nil
}
