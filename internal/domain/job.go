package domain

import "time"

// JobStatus represents the states a search job can be in.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal returns true if no further state transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// SearchJob is the persisted record of one deep-search request. Task envelopes
// reference it by JobID; the final report and any failure reason land here.
type SearchJob struct {
	ID          string     `json:"id"`
	Query       string     `json:"query"`
	Status      JobStatus  `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	EnvelopeID  string     `json:"envelope_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
