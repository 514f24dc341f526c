// Package credential keeps provider OAuth credentials usable: it resolves the
// active credential for a channel and refreshes it when the access token
// expires.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/t77yq/chansync/internal/model"
	"github.com/t77yq/chansync/internal/monitor"
)

// DefaultRefreshSkew refreshes tokens slightly before they expire
const DefaultRefreshSkew = time.Minute

// Store is the persistence the manager needs
type Store interface {
	FindActiveCredential(ctx context.Context, ownerID, channelID string) (*model.Credential, error)
	UpdateCredentialTokens(ctx context.Context, id string, bundle *model.TokenBundle) (*model.Credential, error)
	DeactivateCredential(ctx context.Context, id string) error
}

// Exchanger trades a refresh token for a new token bundle. Failures should be
// *model.Error values built with model.RefreshError; anything else is treated
// as transient.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*model.TokenBundle, error)
}

// Manager resolves and refreshes credentials
type Manager struct {
	logger          *zap.Logger
	store           Store
	exchanger       Exchanger
	group           singleflight.Group
	skew            time.Duration
	analyticsScopes []string
	now             func() time.Time
	metrics         *monitor.Metrics
}

// Option configures a Manager
type Option func(*Manager)

// WithRefreshSkew sets how long before expiry a token is refreshed
func WithRefreshSkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithAnalyticsScopes sets the scopes that grant access to financial metrics
func WithAnalyticsScopes(scopes ...string) Option {
	return func(m *Manager) { m.analyticsScopes = scopes }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records refresh outcomes
func WithMetrics(metrics *monitor.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a credential manager
func NewManager(store Store, exchanger Exchanger, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:    logger.Named("credential"),
		store:     store,
		exchanger: exchanger,
		skew:      DefaultRefreshSkew,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns the active credential for a channel, refreshed if its
// access token is expired or about to expire
func (m *Manager) Resolve(ctx context.Context, ownerID, channelID string) (*model.Credential, error) {
	cred, err := m.store.FindActiveCredential(ctx, ownerID, channelID)
	if err != nil {
		return nil, err
	}

	if cred.ExpiredAt(m.now().Add(m.skew)) {
		m.logger.Debug("Access token expired, refreshing",
			zap.String("credential_id", cred.ID),
			zap.String("channel_id", channelID))
		return m.Refresh(ctx, cred)
	}
	return cred, nil
}

// Refresh exchanges the refresh token of cred and updates the stored record in
// place. Concurrent refreshes of the same record share one exchange. On
// failure the stored record is left untouched.
func (m *Manager) Refresh(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	v, err, shared := m.group.Do(cred.ID, func() (any, error) {
		return m.refresh(ctx, cred)
	})
	if shared {
		m.logger.Debug("Joined in-flight refresh", zap.String("credential_id", cred.ID))
	}
	if err != nil {
		return nil, err
	}
	return v.(*model.Credential), nil
}

func (m *Manager) refresh(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	bundle, err := m.exchanger.Exchange(ctx, cred.RefreshToken)
	if err != nil {
		rerr := classify(err)
		m.metrics.RecordRefresh(rerr.Reason)
		m.logger.Warn("Credential refresh failed",
			zap.String("credential_id", cred.ID),
			zap.String("channel_id", cred.ChannelID),
			zap.String("reason", rerr.Reason),
			zap.Error(err))
		return nil, rerr
	}

	updated, err := m.store.UpdateCredentialTokens(ctx, cred.ID, bundle)
	if err != nil {
		m.metrics.RecordRefresh(monitor.OutcomeError)
		if model.KindOf(err) == model.KindNoCredential {
			return nil, err
		}
		return nil, model.NewError(model.KindStorageWriteFailed, "failed to store refreshed credential", err)
	}

	m.metrics.RecordRefresh(monitor.OutcomeSuccess)
	m.logger.Info("Credential refreshed",
		zap.String("credential_id", cred.ID),
		zap.String("channel_id", cred.ChannelID))
	return updated, nil
}

func classify(err error) *model.Error {
	var e *model.Error
	if errors.As(err, &e) && e.Kind == model.KindCredentialRefreshFailed {
		if e.Reason == "" {
			return model.RefreshError(model.ReasonTransientNetworkError, err)
		}
		return e
	}
	return model.RefreshError(model.ReasonTransientNetworkError, err)
}

// Revoke marks the credential inactive. Later jobs for the channel fail with
// NoCredential until a new grant is stored.
func (m *Manager) Revoke(ctx context.Context, cred *model.Credential) error {
	if err := m.store.DeactivateCredential(ctx, cred.ID); err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	m.logger.Info("Credential revoked",
		zap.String("credential_id", cred.ID),
		zap.String("channel_id", cred.ChannelID))
	return nil
}

// HasAnalyticsScope reports whether cred grants access to financial metrics
func (m *Manager) HasAnalyticsScope(cred *model.Credential) bool {
	for _, scope := range m.analyticsScopes {
		if cred.HasScope(scope) {
			return true
		}
	}
	return false
}

// RevokeChannel revokes the active credential of a channel, if any
func (m *Manager) RevokeChannel(ctx context.Context, ownerID, channelID string) error {
	cred, err := m.store.FindActiveCredential(ctx, ownerID, channelID)
	if err != nil {
		if model.KindOf(err) == model.KindNoCredential {
			return nil
		}
		return err
	}
	return m.Revoke(ctx, cred)
}
