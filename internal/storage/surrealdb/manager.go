// Package surrealdb implements interfaces.Store on top of SurrealDB:
// UPSERT-by-record-id writes, DEFINE TABLE ... SCHEMALESS at startup, and a
// per-area store split wired together by the Manager.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/surrealdb/surrealdb.go"
)

// Manager implements interfaces.Store using SurrealDB.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	pipelineStore *PipelineStore
	runStore      *RunStore
	jobStore      *JobStore
	taskLogStore  *TaskLogStore
}

// NewManager connects to SurrealDB, signs in, selects the namespace/database
// and defines the orchestrator's tables before returning a ready Manager.
func NewManager(logger *common.Logger, cfg *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(cfg.Store.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": cfg.Store.Username,
		"pass": cfg.Store.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, cfg.Store.Namespace, cfg.Store.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	tables := []string{"pipeline", "run", "job", "task_log"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	m := &Manager{db: db, logger: logger}
	m.pipelineStore = NewPipelineStore(db, logger)
	m.runStore = NewRunStore(db, logger)
	m.jobStore = NewJobStore(db, logger)
	m.taskLogStore = NewTaskLogStore(db, logger)

	logger.Info().
		Str("address", cfg.Store.Address).
		Str("namespace", cfg.Store.Namespace).
		Str("database", cfg.Store.Database).
		Msg("SurrealDB store initialized")

	return m, nil
}

func (m *Manager) PipelineStore() interfaces.PipelineStore { return m.pipelineStore }
func (m *Manager) RunStore() interfaces.RunStore           { return m.runStore }
func (m *Manager) JobStore() interfaces.JobStore           { return m.jobStore }
func (m *Manager) TaskLogStore() interfaces.TaskLogStore   { return m.taskLogStore }

func (m *Manager) Ping(ctx context.Context) error {
	_, err := surrealdb.Query[any](ctx, m.db, "RETURN 1", nil)
	return err
}

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}

var _ interfaces.Store = (*Manager)(nil)
