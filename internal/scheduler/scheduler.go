package scheduler

import (
	"context"

	"github.com/t77yq/venueguard/internal/model"
)

// JobFunc is the body of a periodic job
type JobFunc func(ctx context.Context)

// Scheduler runs named global periodic jobs
type Scheduler interface {
	// Start starts the scheduler
	Start(ctx context.Context) error

	// Stop stops the scheduler and waits for running jobs
	Stop()

	// AddJob registers a job under a unique name
	AddJob(name, expression string, job JobFunc) error

	// RemoveJob unregisters a job
	RemoveJob(name string) error

	// GetJob returns the schedule of a job
	GetJob(name string) (*model.JobSchedule, error)

	// ListJobs lists all registered jobs
	ListJobs() []*model.JobSchedule
}
