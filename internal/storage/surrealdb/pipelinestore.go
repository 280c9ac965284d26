package surrealdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/meridian-orchestrator/meridian/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const pipelineSelectFields = "pipeline_id as id, name, definition, created_at"

// PipelineStore implements interfaces.PipelineStore. Pipelines are
// immutable once created — there is no Update method.
type PipelineStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func NewPipelineStore(db *surrealdb.DB, logger *common.Logger) *PipelineStore {
	return &PipelineStore{db: db, logger: logger}
}

func (s *PipelineStore) Create(ctx context.Context, p *models.Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	sql := `UPSERT $rid SET pipeline_id = $pipeline_id, name = $name, definition = $definition, created_at = $created_at`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID("pipeline", p.ID),
		"pipeline_id": p.ID,
		"name":        p.Name,
		"definition":  p.Definition,
		"created_at":  p.CreatedAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	return nil
}

func (s *PipelineStore) GetByName(ctx context.Context, name string) (*models.Pipeline, error) {
	sql := "SELECT " + pipelineSelectFields + " FROM pipeline WHERE name = $name LIMIT 1"
	vars := map[string]any{"name": name}

	results, err := surrealdb.Query[[]models.Pipeline](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline by name: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, interfaces.ErrNotFound
	}
	p := (*results)[0].Result[0]
	return &p, nil
}

func (s *PipelineStore) GetByID(ctx context.Context, id string) (*models.Pipeline, error) {
	sql := "SELECT " + pipelineSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("pipeline", id)}

	results, err := surrealdb.Query[[]models.Pipeline](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline by id: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, interfaces.ErrNotFound
	}
	p := (*results)[0].Result[0]
	return &p, nil
}

func (s *PipelineStore) List(ctx context.Context) ([]*models.Pipeline, error) {
	sql := "SELECT " + pipelineSelectFields + " FROM pipeline ORDER BY created_at DESC"

	results, err := surrealdb.Query[[]models.Pipeline](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	var out []*models.Pipeline
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}

var _ interfaces.PipelineStore = (*PipelineStore)(nil)
