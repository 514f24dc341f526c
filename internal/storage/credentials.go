package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/t77yq/chansync/internal/model"
)

const credentialColumns = `id, owner_id, channel_id, access_token, refresh_token, scopes,
	expires_at, active, created_at, updated_at`

// SaveCredential implements CredentialStore.SaveCredential
func (s *SQLite) SaveCredential(ctx context.Context, credential *model.Credential) error {
	scopes, err := marshalJSON(credential.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if credential.Active {
			_, err := tx.ExecContext(ctx, `
				UPDATE credentials SET active = 0, updated_at = ?
				WHERE owner_id = ? AND channel_id = ? AND active = 1`,
				credential.UpdatedAt.UTC(), credential.OwnerID, credential.ChannelID)
			if err != nil {
				return fmt.Errorf("failed to deactivate previous credential: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (`+credentialColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			credential.ID,
			credential.OwnerID,
			credential.ChannelID,
			credential.AccessToken,
			credential.RefreshToken,
			scopes,
			nullTime(credential.ExpiresAt),
			credential.Active,
			credential.CreatedAt.UTC(),
			credential.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to save credential: %w", err)
		}
		return nil
	})
}

// GetCredential implements CredentialStore.GetCredential
func (s *SQLite) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	return getCredential(ctx, s.db, id)
}

// FindActiveCredential implements CredentialStore.FindActiveCredential
func (s *SQLite) FindActiveCredential(ctx context.Context, ownerID, channelID string) (*model.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE owner_id = ? AND channel_id = ? AND active = 1`, ownerID, channelID)
	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.Errorf(model.KindNoCredential, "no active credential for channel %s", channelID)
		}
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	return credential, nil
}

// UpdateCredentialTokens implements CredentialStore.UpdateCredentialTokens.
// The stored refresh token and expiry are kept unless the bundle carries new
// ones, and scopes are only replaced by a non-empty list.
func (s *SQLite) UpdateCredentialTokens(ctx context.Context, id string, bundle *model.TokenBundle) (*model.Credential, error) {
	var updated *model.Credential
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		credential, err := getCredential(ctx, tx, id)
		if err != nil {
			return err
		}
		if !credential.Active {
			return model.Errorf(model.KindNoCredential, "credential %s is inactive", id)
		}

		credential.AccessToken = bundle.AccessToken
		if bundle.RefreshToken != "" {
			credential.RefreshToken = bundle.RefreshToken
		}
		if len(bundle.Scopes) > 0 {
			credential.Scopes = bundle.Scopes
		}
		if bundle.ExpiresAt != nil {
			credential.ExpiresAt = bundle.ExpiresAt
		}
		credential.UpdatedAt = s.now().UTC()

		scopes, err := marshalJSON(credential.Scopes)
		if err != nil {
			return fmt.Errorf("failed to marshal scopes: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE credentials SET
				access_token = ?,
				refresh_token = ?,
				scopes = ?,
				expires_at = ?,
				updated_at = ?
			WHERE id = ?`,
			credential.AccessToken,
			credential.RefreshToken,
			scopes,
			nullTime(credential.ExpiresAt),
			credential.UpdatedAt,
			id,
		)
		if err != nil {
			return fmt.Errorf("failed to update credential tokens: %w", err)
		}
		updated = credential
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeactivateCredential implements CredentialStore.DeactivateCredential
func (s *SQLite) DeactivateCredential(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET active = 0, updated_at = ? WHERE id = ?`,
		s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}
	return checkAffected(result, "credential", id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCredential(ctx context.Context, q queryRower, id string) (*model.Credential, error) {
	row := q.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("credential", id)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return credential, nil
}

func scanCredential(row scanner) (*model.Credential, error) {
	var credential model.Credential
	var scopes sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(
		&credential.ID,
		&credential.OwnerID,
		&credential.ChannelID,
		&credential.AccessToken,
		&credential.RefreshToken,
		&scopes,
		&expiresAt,
		&credential.Active,
		&credential.CreatedAt,
		&credential.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if scopes.Valid && scopes.String != "" && scopes.String != "null" {
		if err := json.Unmarshal([]byte(scopes.String), &credential.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
		}
	}
	credential.ExpiresAt = timePtr(expiresAt)
	credential.CreatedAt = credential.CreatedAt.UTC()
	credential.UpdatedAt = credential.UpdatedAt.UTC()

	return &credential, nil
}
