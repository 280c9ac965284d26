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

const runSelectFields = "run_id as id, pipeline_id, parameters, status, created_at, started_at, completed_at"

// RunStore implements interfaces.RunStore.
type RunStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func NewRunStore(db *surrealdb.DB, logger *common.Logger) *RunStore {
	return &RunStore{db: db, logger: logger}
}

func (s *RunStore) Create(ctx context.Context, r *models.Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = models.RunStatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		run_id = $run_id, pipeline_id = $pipeline_id, parameters = $parameters, status = $status,
		created_at = $created_at, started_at = $started_at, completed_at = $completed_at`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("run", r.ID),
		"run_id":       r.ID,
		"pipeline_id":  r.PipelineID,
		"parameters":   r.Parameters,
		"status":       r.Status,
		"created_at":   r.CreatedAt,
		"started_at":   r.StartedAt,
		"completed_at": r.CompletedAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	sql := "SELECT " + runSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("run", id)}

	results, err := surrealdb.Query[[]models.Run](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, interfaces.ErrNotFound
	}
	r := (*results)[0].Result[0]
	return &r, nil
}

// SetStatus transitions a run's status and stamps the relevant timestamp:
// RUNNING stamps started_at, a terminal status stamps completed_at. A run
// already in a terminal state is never overwritten — without the guard a
// late sibling success could flip a FAILED run back to SUCCESS.
func (s *RunStore) SetStatus(ctx context.Context, id string, status models.RunStatus, when time.Time) error {
	sql := "UPDATE $rid SET status = $status"
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID("run", id),
		"status":    status,
		"success":   models.RunStatusSuccess,
		"failed":    models.RunStatusFailed,
		"cancelled": models.RunStatusCancelled,
	}

	switch status {
	case models.RunStatusRunning:
		sql += ", started_at = $when"
		vars["when"] = when
	case models.RunStatusSuccess, models.RunStatusFailed, models.RunStatusCancelled:
		sql += ", completed_at = $when"
		vars["when"] = when
	}
	sql += " WHERE status NOT IN [$success, $failed, $cancelled]"

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	return nil
}

func (s *RunStore) ListByPipeline(ctx context.Context, pipelineID string) ([]*models.Run, error) {
	sql := "SELECT " + runSelectFields + " FROM run WHERE pipeline_id = $pid ORDER BY created_at DESC"
	vars := map[string]any{"pid": pipelineID}

	results, err := surrealdb.Query[[]models.Run](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by pipeline: %w", err)
	}

	var out []*models.Run
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}

var _ interfaces.RunStore = (*RunStore)(nil)
