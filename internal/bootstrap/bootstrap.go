// Package bootstrap materialises a validated pipeline definition into a run
// that workers can immediately start pulling from.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/dag"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/meridian-orchestrator/meridian/internal/models"
)

// Bootstrapper turns a validated pipeline + run parameters into a run whose
// scheduling state is live in both the store and the broker.
type Bootstrapper struct {
	store  interfaces.Store
	broker interfaces.Broker
	logger *common.Logger
}

func New(store interfaces.Store, broker interfaces.Broker, logger *common.Logger) *Bootstrapper {
	return &Bootstrapper{store: store, broker: broker, logger: logger}
}

// Start validates the pipeline's definition, persists a run and one job per
// task, seeds the broker's per-run bookkeeping, queues root jobs, and marks
// the run RUNNING. Ordering follows the contract: store writes for run+jobs
// succeed-or-abort before any broker write, and run-RUNNING is the last write
// so a crash between steps leaves a reconcilable PENDING run.
func (b *Bootstrapper) Start(ctx context.Context, pipeline *models.Pipeline, parameters map[string]interface{}) (*models.Run, error) {
	graph, err := dag.Validate(pipeline.Definition)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline definition: %w", err)
	}

	run := &models.Run{PipelineID: pipeline.ID, Parameters: parameters, Status: models.RunStatusPending}
	if err := b.store.RunStore().Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	jobs := make([]*models.Job, 0, len(pipeline.Definition))
	jobIDByTask := make(map[string]string, len(pipeline.Definition))
	for taskID, taskDef := range pipeline.Definition {
		job := &models.Job{RunID: run.ID, TaskID: taskID, Function: taskDef.Function, Status: models.JobStatusPending}
		jobs = append(jobs, job)
	}
	if err := b.store.JobStore().CreateBatch(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to create jobs for run %s: %w", run.ID, err)
	}
	for _, job := range jobs {
		jobIDByTask[job.TaskID] = job.ID
	}

	depsCount := make(map[string]int, len(jobs))
	reverseGraph := make(map[string][]string, len(jobs))
	for taskID, jobID := range jobIDByTask {
		depsCount[jobID] = graph.InDegree[taskID]
		children := make([]string, 0, len(graph.Children[taskID]))
		for _, childTask := range graph.Children[taskID] {
			children = append(children, jobIDByTask[childTask])
		}
		reverseGraph[jobID] = children
	}

	if err := b.broker.SeedRun(ctx, run.ID, len(jobs), depsCount, reverseGraph); err != nil {
		return nil, fmt.Errorf("failed to seed broker state for run %s: %w", run.ID, err)
	}

	for taskID, jobID := range jobIDByTask {
		if graph.InDegree[taskID] != 0 {
			continue
		}
		if err := b.store.JobStore().SetQueued(ctx, jobID); err != nil {
			return nil, fmt.Errorf("failed to queue root job %s: %w", jobID, err)
		}
		if err := b.broker.PushReady(ctx, jobID); err != nil {
			return nil, fmt.Errorf("failed to push root job %s to ready list: %w", jobID, err)
		}
	}

	now := time.Now()
	if err := b.store.RunStore().SetStatus(ctx, run.ID, models.RunStatusRunning, now); err != nil {
		return nil, fmt.Errorf("failed to mark run %s running: %w", run.ID, err)
	}
	run.Status = models.RunStatusRunning
	run.StartedAt = now

	b.logger.Info().
		Str("run_id", run.ID).
		Str("pipeline_id", pipeline.ID).
		Int("jobs", len(jobs)).
		Msg("Run bootstrapped")

	return run, nil
}
