package models

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSuccess   JobStatus = "SUCCESS"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusRetrying  JobStatus = "RETRYING"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the job has reached SUCCESS or FAILED — the two
// states that count against a run's jobs-remaining counter.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// Job is one task's execution record within a Run. Its TaskID matches a key
// in the owning Pipeline's Definition.
type Job struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	TaskID      string      `json:"task_id"`
	Function    string      `json:"function"`
	Status      JobStatus   `json:"status"`
	Attempts    int         `json:"attempts"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// JobEvent is broadcast over the run/job event stream when a job or run
// transitions state.
type JobEvent struct {
	Type      string    `json:"type"` // "run_queued", "job_started", "job_succeeded", "job_failed", "job_retrying", "run_completed"
	RunID     string    `json:"run_id"`
	Job       *Job      `json:"job,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Remaining int       `json:"remaining,omitempty"`
}
