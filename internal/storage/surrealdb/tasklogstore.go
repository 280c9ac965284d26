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

// TaskLogStore implements interfaces.TaskLogStore. Task logs are
// append-only and carry no scheduling semantics — Append is the only write
// path.
type TaskLogStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func NewTaskLogStore(db *surrealdb.DB, logger *common.Logger) *TaskLogStore {
	return &TaskLogStore{db: db, logger: logger}
}

func (s *TaskLogStore) Append(ctx context.Context, log *models.TaskLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	sql := `CREATE $rid SET task_log_id = $task_log_id, job_id = $job_id, attempt = $attempt, message = $message, created_at = $created_at`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID("task_log", log.ID),
		"task_log_id": log.ID,
		"job_id":      log.JobID,
		"attempt":     log.Attempt,
		"message":     log.Message,
		"created_at":  log.CreatedAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

func (s *TaskLogStore) ListByJob(ctx context.Context, jobID string) ([]*models.TaskLog, error) {
	sql := "SELECT task_log_id as id, job_id, attempt, message, created_at FROM task_log WHERE job_id = $job_id ORDER BY created_at ASC"
	vars := map[string]any{"job_id": jobID}

	results, err := surrealdb.Query[[]models.TaskLog](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list task logs: %w", err)
	}

	var out []*models.TaskLog
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}

var _ interfaces.TaskLogStore = (*TaskLogStore)(nil)
