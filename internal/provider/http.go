package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/chansync/internal/model"
)

const maxErrorBody = 4 << 10

// HTTPClient talks JSON over HTTP to the provider API with a bearer token
type HTTPClient struct {
	logger  *zap.Logger
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for baseURL. requestsPerSecond <= 0 disables
// rate limiting. A nil httpClient uses a client with a 30s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client, requestsPerSecond float64, burst int, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if requestsPerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &HTTPClient{
		logger:  logger.Named("provider"),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		limiter: limiter,
	}
}

type channelResponse struct {
	Subscribers int64    `json:"subscribers"`
	Views       int64    `json:"views"`
	ItemCount   int64    `json:"item_count"`
	Revenue     *float64 `json:"revenue"`
}

type itemResponse struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	PublishedAt *time.Time `json:"published_at"`
	Views       int64      `json:"views"`
	Likes       int64      `json:"likes"`
	Comments    int64      `json:"comments"`
	Revenue     *float64   `json:"revenue"`
}

type itemsResponse struct {
	Items         []itemResponse `json:"items"`
	NextPageToken string         `json:"next_page_token"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchChannelMetrics implements Client.FetchChannelMetrics
func (c *HTTPClient) FetchChannelMetrics(ctx context.Context, accessToken, channelID string, opts FetchOptions) (*model.ChannelMetrics, error) {
	query := url.Values{}
	if opts.IncludeRevenue {
		query.Set("include_revenue", "true")
	}

	var resp channelResponse
	if err := c.get(ctx, accessToken, "/channels/"+url.PathEscape(channelID), query, &resp); err != nil {
		return nil, err
	}

	metrics := &model.ChannelMetrics{
		Subscribers: resp.Subscribers,
		Views:       resp.Views,
		ItemCount:   resp.ItemCount,
	}
	if opts.IncludeRevenue {
		metrics.Revenue = resp.Revenue
	}
	return metrics, nil
}

// FetchChannelItems implements Client.FetchChannelItems
func (c *HTTPClient) FetchChannelItems(ctx context.Context, accessToken, channelID, pageToken string, opts FetchOptions) (*ItemPage, error) {
	query := url.Values{}
	if pageToken != "" {
		query.Set("page_token", pageToken)
	}
	if opts.IncludeRevenue {
		query.Set("include_revenue", "true")
	}

	var resp itemsResponse
	if err := c.get(ctx, accessToken, "/channels/"+url.PathEscape(channelID)+"/items", query, &resp); err != nil {
		return nil, err
	}

	page := &ItemPage{
		Items:         make([]*model.Item, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
	}
	for _, it := range resp.Items {
		item := &model.Item{
			ID:          it.ID,
			ChannelID:   channelID,
			Title:       it.Title,
			PublishedAt: it.PublishedAt,
			Metrics: model.ItemMetrics{
				Views:    it.Views,
				Likes:    it.Likes,
				Comments: it.Comments,
			},
		}
		if opts.IncludeRevenue {
			item.Metrics.Revenue = it.Revenue
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func (c *HTTPClient) get(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fetchError(ctx, "rate limiter wait failed", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fetchError(ctx, "provider request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var apiErr errorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}

		c.logger.Warn("Provider returned error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return model.Errorf(model.KindProviderFetchFailed, "provider returned %d: %s", resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fetchError(ctx, "failed to decode provider response", err)
	}
	return nil
}

func fetchError(ctx context.Context, msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewError(model.KindProviderTimeout, "provider call timed out", err)
	}
	return model.NewError(model.KindProviderFetchFailed, msg, err)
}
