package queue

import "time"

const (
	DefaultStreamName    = "SYNC_JOBS"
	DefaultSubject       = "sync.jobs.submit"
	DefaultDurable       = "sync-workers"
	DefaultAckWait       = 5 * time.Minute
	DefaultMaxDeliver    = 3
	DefaultMaxAckPending = 256
	DefaultFetchWait     = 5 * time.Second

	streamMaxAge     = 24 * time.Hour
	streamMaxMsgs    = -1
	duplicateWindow  = 2 * time.Minute
	operationTimeout = 30 * time.Second
	defaultMemoryCap = 1024
)
