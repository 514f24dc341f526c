// Package provider fetches channel and item metrics from the third-party
// analytics platform.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/chansync/internal/model"
)

// FetchOptions controls what a fetch returns
type FetchOptions struct {
	// IncludeRevenue requests financial fields. It must only be set when the
	// credential carries the analytics scope.
	IncludeRevenue bool
}

// ItemPage is one page of channel items
type ItemPage struct {
	Items         []*model.Item
	NextPageToken string
}

// Client is the provider API used by the sync pipeline
type Client interface {
	FetchChannelMetrics(ctx context.Context, accessToken, channelID string, opts FetchOptions) (*model.ChannelMetrics, error)
	FetchChannelItems(ctx context.Context, accessToken, channelID, pageToken string, opts FetchOptions) (*ItemPage, error)
}

type deadlineClient struct {
	next    Client
	timeout time.Duration
}

// WithDeadline bounds every call of next by timeout. Calls that run out of
// time fail with kind ProviderTimeout.
func WithDeadline(next Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return next
	}
	return &deadlineClient{next: next, timeout: timeout}
}

func (c *deadlineClient) FetchChannelMetrics(ctx context.Context, accessToken, channelID string, opts FetchOptions) (*model.ChannelMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	metrics, err := c.next.FetchChannelMetrics(ctx, accessToken, channelID, opts)
	if err != nil {
		return nil, timeoutError(ctx, err)
	}
	return metrics, nil
}

func (c *deadlineClient) FetchChannelItems(ctx context.Context, accessToken, channelID, pageToken string, opts FetchOptions) (*ItemPage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	page, err := c.next.FetchChannelItems(ctx, accessToken, channelID, pageToken, opts)
	if err != nil {
		return nil, timeoutError(ctx, err)
	}
	return page, nil
}

func timeoutError(ctx context.Context, err error) error {
	if model.KindOf(err) == model.KindProviderTimeout {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewError(model.KindProviderTimeout, "provider call timed out", err)
	}
	return err
}
