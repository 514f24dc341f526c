package model

import (
	"time"
)

// Schedule represents a recurring metrics sync for one channel
type Schedule struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	ChannelID      string         `json:"channel_id"`
	CronExpression string         `json:"cron_expression"`
	Active         bool           `json:"active"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	RunCount       int            `json:"run_count"`
	MaxRuns        *int           `json:"max_runs,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Exhausted reports whether the schedule has used up its run allowance
func (s *Schedule) Exhausted() bool {
	return s.MaxRuns != nil && s.RunCount >= *s.MaxRuns
}

// ScheduleSpec is the input for creating a schedule
type ScheduleSpec struct {
	OwnerID        string         `json:"owner_id"`
	ChannelID      string         `json:"channel_id"`
	CronExpression string         `json:"cron_expression"`
	Active         *bool          `json:"active,omitempty"`
	MaxRuns        *int           `json:"max_runs,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
}

// SchedulePatch describes a partial update. Nil fields are left unchanged.
type SchedulePatch struct {
	CronExpression *string        `json:"cron_expression,omitempty"`
	Active         *bool          `json:"active,omitempty"`
	MaxRuns        *int           `json:"max_runs,omitempty"`
	ClearMaxRuns   bool           `json:"clear_max_runs,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
}
