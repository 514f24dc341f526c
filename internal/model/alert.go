package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeSyncFailure AlertType = "sync_failure"
)

// Alert is raised when a channel keeps failing to sync
type Alert struct {
	ID                  string        `json:"id"`
	Type                AlertType     `json:"type"`
	Severity            AlertSeverity `json:"severity"`
	OwnerID             string        `json:"owner_id"`
	ChannelID           string        `json:"channel_id"`
	ScheduleID          string        `json:"schedule_id,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastKind            ErrorKind     `json:"last_kind"`
	Message             string        `json:"message"`
	CreatedAt           time.Time     `json:"created_at"`
}
