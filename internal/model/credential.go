package model

import (
	"time"
)

// Credential is the stored OAuth grant for one (owner, channel) pair
type Credential struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	ChannelID    string     `json:"channel_id"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	Scopes       []string   `json:"scopes"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ExpiredAt reports whether the access token is unusable at t.
// A nil expiry never expires.
func (c *Credential) ExpiredAt(t time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(t)
}

// HasScope reports whether scope was granted
func (c *Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenBundle is what the provider token endpoint hands back on refresh
type TokenBundle struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}
