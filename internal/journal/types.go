package journal

import "time"

// Status is the journal state of a job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Entry is one journaled job.
type Entry struct {
	ID         string
	WorkerID   string
	JobID      string
	Action     string
	Status     Status
	StartedAt  time.Time
	FinishedAt *time.Time
	Elapsed    time.Duration
	LastError  *string
}

// Filter narrows List.
type Filter struct {
	WorkerID string
	Action   string
	Status   Status
	Limit    int
}
