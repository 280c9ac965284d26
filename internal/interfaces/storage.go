// Package interfaces defines the contracts the core scheduling components
// are built against, so that the Redis broker and SurrealDB store backing
// them can be swapped for test doubles without touching bootstrap, worker,
// or janitor code.
package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/meridian-orchestrator/meridian/internal/models"
)

// ErrNotFound is returned by store lookups (pipeline by name/id, run, job)
// when no matching record exists.
var ErrNotFound = errors.New("not found")

// Store is the durable record of pipelines, runs, jobs and task logs. It is
// the authority for job *outcome*; the Broker is the authority for job
// *liveness* — implementations must not blur this line.
type Store interface {
	PipelineStore() PipelineStore
	RunStore() RunStore
	JobStore() JobStore
	TaskLogStore() TaskLogStore

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
	Close() error
}

// PipelineStore manages pipeline templates.
type PipelineStore interface {
	Create(ctx context.Context, p *models.Pipeline) error
	GetByName(ctx context.Context, name string) (*models.Pipeline, error)
	GetByID(ctx context.Context, id string) (*models.Pipeline, error)
	List(ctx context.Context) ([]*models.Pipeline, error)
}

// RunStore manages run records.
type RunStore interface {
	Create(ctx context.Context, r *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	SetStatus(ctx context.Context, id string, status models.RunStatus, when time.Time) error
	ListByPipeline(ctx context.Context, pipelineID string) ([]*models.Run, error)
}

// JobStore manages job records within a run.
type JobStore interface {
	CreateBatch(ctx context.Context, jobs []*models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	ListByRun(ctx context.Context, runID string) ([]*models.Job, error)
	ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)

	// SetQueued transitions a job from PENDING to QUEUED.
	SetQueued(ctx context.Context, id string) error
	// SetRunning transitions a job to RUNNING, recording StartedAt. It is
	// called only after the worker holds the job's lease.
	SetRunning(ctx context.Context, id string) error
	// SetSuccess transitions a job to SUCCESS, recording the result payload.
	SetSuccess(ctx context.Context, id string, result interface{}) error
	// SetRetrying transitions a job back to RETRYING with the given error
	// text, incrementing its attempt count.
	SetRetrying(ctx context.Context, id string, errText string) error
	// SetFailed transitions a job to its terminal FAILED state, incrementing
	// its attempt count.
	SetFailed(ctx context.Context, id string, errText string) error
	// SetCancelled transitions a non-terminal job to CANCELLED.
	SetCancelled(ctx context.Context, id string) error
	// Requeue transitions a RUNNING job back to QUEUED without touching its
	// attempt count — used only by the janitor's zombie reclamation scan.
	Requeue(ctx context.Context, id string) error
}

// TaskLogStore manages the append-only per-attempt diagnostic log.
type TaskLogStore interface {
	Append(ctx context.Context, log *models.TaskLog) error
	ListByJob(ctx context.Context, jobID string) ([]*models.TaskLog, error)
}
