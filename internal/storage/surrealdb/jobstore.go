package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/meridian-orchestrator/meridian/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Reads alias the stored job_id string into the model's ID field — the
// native record id decodes as a RecordID, not the bare string the broker
// keys (leases, deps_count, reverse_graph) are built from.
const jobSelectFields = "job_id as id, run_id, task_id, function, status, attempts, result, error, created_at, updated_at, started_at, completed_at"

// JobStore implements interfaces.JobStore. SetQueued, SetSuccess, Requeue
// and SetCancelled are WHERE-guarded UPDATEs, so a stale caller's write is a
// silent no-op rather than clobbering a newer transition; SetRunning,
// SetRetrying and SetFailed write unconditionally.
type JobStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func NewJobStore(db *surrealdb.DB, logger *common.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

func (s *JobStore) CreateBatch(ctx context.Context, jobs []*models.Job) error {
	now := time.Now()
	for _, j := range jobs {
		if j.ID == "" {
			j.ID = uuid.New().String()
		}
		if j.Status == "" {
			j.Status = models.JobStatusPending
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		j.UpdatedAt = now

		sql := `UPSERT $rid SET
			job_id = $job_id, run_id = $run_id, task_id = $task_id, function = $function,
			status = $status, attempts = $attempts, result = $result, error = $error,
			created_at = $created_at, updated_at = $updated_at,
			started_at = $started_at, completed_at = $completed_at`
		vars := map[string]any{
			"rid":          surrealmodels.NewRecordID("job", j.ID),
			"job_id":       j.ID,
			"run_id":       j.RunID,
			"task_id":      j.TaskID,
			"function":     j.Function,
			"status":       j.Status,
			"attempts":     j.Attempts,
			"result":       j.Result,
			"error":        j.Error,
			"created_at":   j.CreatedAt,
			"updated_at":   j.UpdatedAt,
			"started_at":   j.StartedAt,
			"completed_at": j.CompletedAt,
		}
		if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
			return fmt.Errorf("failed to create job %s: %w", j.ID, err)
		}
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("job", id)}

	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, interfaces.ErrNotFound
	}
	j := (*results)[0].Result[0]
	return &j, nil
}

func (s *JobStore) ListByRun(ctx context.Context, runID string) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE run_id = $run_id ORDER BY created_at ASC"
	vars := map[string]any{"run_id": runID}
	return s.queryJobs(ctx, sql, vars)
}

func (s *JobStore) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE status = $status ORDER BY created_at ASC"
	vars := map[string]any{"status": status}
	return s.queryJobs(ctx, sql, vars)
}

// SetQueued transitions a job from PENDING to QUEUED.
func (s *JobStore) SetQueued(ctx context.Context, id string) error {
	sql := "UPDATE $rid SET status = $queued, updated_at = $now WHERE status = $pending"
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("job", id),
		"queued":  models.JobStatusQueued,
		"pending": models.JobStatusPending,
		"now":     time.Now(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set job %s queued: %w", id, err)
	}
	return nil
}

// SetRunning transitions a job to RUNNING, recording StartedAt. Called only
// after the worker holds the lease — the store's RUNNING write never races
// a sibling worker because the lease already serialized them.
func (s *JobStore) SetRunning(ctx context.Context, id string) error {
	now := time.Now()
	sql := "UPDATE $rid SET status = $running, started_at = $now, updated_at = $now"
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("job", id),
		"running": models.JobStatusRunning,
		"now":     now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set job %s running: %w", id, err)
	}
	return nil
}

func (s *JobStore) SetSuccess(ctx context.Context, id string, result interface{}) error {
	now := time.Now()
	sql := "UPDATE $rid SET status = $success, result = $result, completed_at = $now, updated_at = $now WHERE status != $success"
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("job", id),
		"success": models.JobStatusSuccess,
		"result":  result,
		"now":     now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set job %s success: %w", id, err)
	}
	return nil
}

// SetRetrying records a transient failure: the attempt count advances here,
// not on SetRunning, so only task-body failures spend the retry budget.
func (s *JobStore) SetRetrying(ctx context.Context, id string, errText string) error {
	now := time.Now()
	sql := "UPDATE $rid SET status = $retrying, error = $error, attempts = attempts + 1, updated_at = $now"
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("job", id),
		"retrying": models.JobStatusRetrying,
		"error":    errText,
		"now":      now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set job %s retrying: %w", id, err)
	}
	return nil
}

func (s *JobStore) SetFailed(ctx context.Context, id string, errText string) error {
	now := time.Now()
	sql := "UPDATE $rid SET status = $failed, error = $error, attempts = attempts + 1, completed_at = $now, updated_at = $now"
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("job", id),
		"failed": models.JobStatusFailed,
		"error":  errText,
		"now":    now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set job %s failed: %w", id, err)
	}
	return nil
}

// Requeue transitions a RUNNING job back to QUEUED without touching its
// attempt count — used only by the janitor's zombie reclamation scan. A
// reclaimed job gets a free attempt: the janitor is a liveness mechanism,
// not a failure-accounting one.
func (s *JobStore) Requeue(ctx context.Context, id string) error {
	sql := "UPDATE $rid SET status = $queued, updated_at = $now WHERE status = $running"
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("job", id),
		"queued":  models.JobStatusQueued,
		"running": models.JobStatusRunning,
		"now":     time.Now(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return nil
}

// SetCancelled transitions a job to CANCELLED. Written by a worker that
// picked up a job whose run was cancelled before the job started.
func (s *JobStore) SetCancelled(ctx context.Context, id string) error {
	now := time.Now()
	sql := "UPDATE $rid SET status = $cancelled, completed_at = $now, updated_at = $now WHERE status NOT IN [$success, $failed]"
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID("job", id),
		"cancelled": models.JobStatusCancelled,
		"success":   models.JobStatusSuccess,
		"failed":    models.JobStatusFailed,
		"now":       now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set job %s cancelled: %w", id, err)
	}
	return nil
}

func (s *JobStore) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	var out []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}

var _ interfaces.JobStore = (*JobStore)(nil)
