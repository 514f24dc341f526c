package credential

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/t77yq/chansync/internal/model"
)

// OAuth2Exchanger runs the refresh-token grant against the provider token
// endpoint
type OAuth2Exchanger struct {
	config *oauth2.Config
	client *http.Client
}

var _ Exchanger = (*OAuth2Exchanger)(nil)

// NewOAuth2Exchanger creates an exchanger. A nil client uses http.DefaultClient.
func NewOAuth2Exchanger(clientID, clientSecret, tokenURL string, client *http.Client) *OAuth2Exchanger {
	return &OAuth2Exchanger{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
	}
}

// Exchange implements Exchanger.Exchange
func (e *OAuth2Exchanger) Exchange(ctx context.Context, refreshToken string) (*model.TokenBundle, error) {
	if e.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	}

	tok, err := e.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if denied(err) {
			return nil, model.RefreshError(model.ReasonRefreshDenied, err)
		}
		return nil, model.RefreshError(model.ReasonTransientNetworkError, err)
	}

	bundle := &model.TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		bundle.ExpiresAt = &expiry
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		bundle.Scopes = strings.Fields(scope)
	}
	return bundle, nil
}

func denied(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
		return true
	}
	if re.Response == nil {
		return false
	}
	switch re.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}
