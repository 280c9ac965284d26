package models

import "time"

// TaskLog is an append-only diagnostic record attached to a job, one per
// attempt. It carries no scheduling semantics and never gates a job
// transition — it exists purely for operator visibility into why an attempt
// failed or what a task body printed.
type TaskLog struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
