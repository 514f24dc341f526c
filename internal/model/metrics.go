package model

import "time"

// SnapshotDateLayout is the key format of daily snapshot rows
const SnapshotDateLayout = "2006-01-02"

// Channel is the owner-resolution record for a connected channel
type Channel struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelMetrics is the channel-level result of a provider fetch.
// Revenue is nil when the credential lacks the analytics scope.
type ChannelMetrics struct {
	Subscribers int64    `json:"subscribers"`
	Views       int64    `json:"views"`
	ItemCount   int64    `json:"item_count"`
	Revenue     *float64 `json:"revenue,omitempty"`
}

// Item is a single piece of channel content (a video) with its metrics
type Item struct {
	ID          string      `json:"id"`
	ChannelID   string      `json:"channel_id"`
	Title       string      `json:"title"`
	PublishedAt *time.Time  `json:"published_at,omitempty"`
	Metrics     ItemMetrics `json:"metrics"`
}

// ItemMetrics holds per-item counters
type ItemMetrics struct {
	Views    int64    `json:"views"`
	Likes    int64    `json:"likes"`
	Comments int64    `json:"comments"`
	Revenue  *float64 `json:"revenue,omitempty"`
}

// ChannelSnapshot is the daily channel metrics row, unique per (channel, date)
type ChannelSnapshot struct {
	ChannelID  string         `json:"channel_id"`
	Date       string         `json:"date"`
	Metrics    ChannelMetrics `json:"metrics"`
	CapturedAt time.Time      `json:"captured_at"`
}

// ItemSnapshot is the daily item metrics row, unique per (item, date)
type ItemSnapshot struct {
	ItemID     string      `json:"item_id"`
	ChannelID  string      `json:"channel_id"`
	Date       string      `json:"date"`
	Metrics    ItemMetrics `json:"metrics"`
	CapturedAt time.Time   `json:"captured_at"`
}

// SnapshotDate returns the snapshot key for t
func SnapshotDate(t time.Time) string {
	return t.UTC().Format(SnapshotDateLayout)
}
