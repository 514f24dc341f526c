package model

import "time"

// SyncStatus represents the state reported for a running job
type SyncStatus string

const (
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusSuccess    SyncStatus = "success"
	SyncStatusFailed     SyncStatus = "failed"
)

// Terminal reports whether no further events follow this status
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSuccess || s == SyncStatusFailed
}

// StatusEvent is pushed to the owner's live connection. It is never persisted.
type StatusEvent struct {
	JobID      string       `json:"job_id"`
	ChannelID  string       `json:"channel_id"`
	ScheduleID string       `json:"schedule_id,omitempty"`
	Status     SyncStatus   `json:"status"`
	Kind       ErrorKind    `json:"kind,omitempty"`
	Message    string       `json:"message"`
	Result     *SyncSummary `json:"result,omitempty"`
	At         time.Time    `json:"at"`
}

// SyncSummary is the result payload of a successful sync
type SyncSummary struct {
	ItemsProcessed  int     `json:"items_processed"`
	TotalViews      int64   `json:"total_views"`
	EngagementRate  float64 `json:"engagement_rate"`
	RevenueIncluded bool    `json:"revenue_included"`
}
