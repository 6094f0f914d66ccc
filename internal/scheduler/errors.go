package scheduler

import "errors"

var (
	// ErrJobNotFound is returned when a job is not registered
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job name is already registered
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrLoopRunning is returned when starting a loop that is already running
	ErrLoopRunning = errors.New("loop already running")

	// ErrMaxRetriesExceeded is returned when max retries are exceeded
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)
