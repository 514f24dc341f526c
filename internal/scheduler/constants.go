package scheduler

import "time"

const (
	// DefaultFireTimeout bounds the store and queue calls of one timer callback
	DefaultFireTimeout = 30 * time.Second

	// claimAttempts is how many times a write that lost to a concurrent run
	// is retried
	claimAttempts = 3
)
