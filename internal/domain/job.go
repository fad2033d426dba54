package domain

import "time"

// JobStatus enumerates remote job states as tracked in the job cache. The
// cache never holds pending/submitted; those exist only on the durable record
// before the remote worker has issued a job id.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobResult is the cached last-known state of a remote job, keyed by the
// remote job id. UpdatedAt is diagnostic only.
type JobResult struct {
	Status      JobStatus
	OutputImage string
	OutputURL   string
	Error       string
	UpdatedAt   time.Time
}
