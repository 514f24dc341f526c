package model

import (
	"time"

	"github.com/google/uuid"
)

// JobTrigger records what caused a job to be enqueued
type JobTrigger string

const (
	JobTriggerCron   JobTrigger = "cron"
	JobTriggerManual JobTrigger = "manual"
)

// Job is the immutable descriptor handed from the registry to the workers
type Job struct {
	ID         string     `json:"id"`
	ChannelID  string     `json:"channel_id"`
	OwnerID    string     `json:"owner_id"`
	ScheduleID string     `json:"schedule_id,omitempty"`
	Trigger    JobTrigger `json:"trigger"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// NewJob builds a job for the given schedule
func NewJob(schedule *Schedule, trigger JobTrigger, now time.Time) *Job {
	return &Job{
		ID:         uuid.New().String(),
		ChannelID:  schedule.ChannelID,
		OwnerID:    schedule.OwnerID,
		ScheduleID: schedule.ID,
		Trigger:    trigger,
		EnqueuedAt: now,
	}
}
