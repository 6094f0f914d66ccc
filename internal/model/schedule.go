package model

import "time"

// JobStatus is the state of a periodic job
type JobStatus string

const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
)

// JobSchedule describes a global periodic tick registered with the cron scheduler
type JobSchedule struct {
	Name         string        `json:"name"`
	Expression   string        `json:"expression"`
	Status       JobStatus     `json:"status"`
	Runs         int64         `json:"runs"`
	LastDuration time.Duration `json:"last_duration"`
	LastRunTime  *time.Time    `json:"last_run_time,omitempty"`
	NextRunTime  *time.Time    `json:"next_run_time,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}
