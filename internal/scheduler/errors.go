package scheduler

import "errors"

var (
	// ErrAlreadyInitialized is returned by Initialize after the first call
	ErrAlreadyInitialized = errors.New("registry already initialized")

	// ErrClaimContention is returned by RunNow, Update and Toggle when every
	// attempt lost to a concurrent run
	ErrClaimContention = errors.New("schedule run claim lost to concurrent writer")

	errClaimLost = errors.New("schedule run already claimed")
)
