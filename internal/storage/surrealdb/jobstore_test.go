package surrealdb

import (
	"context"
	"testing"

	"github.com/meridian-orchestrator/meridian/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, ctx context.Context, store *JobStore, runID, taskID string) *models.Job {
	t.Helper()
	j := &models.Job{RunID: runID, TaskID: taskID, Function: taskID}
	require.NoError(t, store.CreateBatch(ctx, []*models.Job{j}))
	return j
}

func TestJobStore_CreateBatchAndGet(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	j := seedJob(t, ctx, store, "run-1", "extract")
	require.NotEmpty(t, j.ID)
	assert.Equal(t, models.JobStatusPending, j.Status)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID, "the id must round-trip as the bare string the broker keys on")
	assert.Equal(t, "extract", got.TaskID)
	assert.Equal(t, 0, got.Attempts)
}

func TestJobStore_ListByRunAndStatus(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	a := seedJob(t, ctx, store, "run-2", "a")
	b := seedJob(t, ctx, store, "run-2", "b")
	seedJob(t, ctx, store, "run-other", "c")

	byRun, err := store.ListByRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	require.NoError(t, store.SetQueued(ctx, a.ID))
	byStatus, err := store.ListByStatus(ctx, models.JobStatusQueued)
	require.NoError(t, err)
	ids := make([]string, len(byStatus))
	for i, j := range byStatus {
		ids[i] = j.ID
	}
	assert.Contains(t, ids, a.ID)
	assert.NotContains(t, ids, b.ID)
}

func TestJobStore_LifecycleTransitions(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	j := seedJob(t, ctx, store, "run-3", "build")

	require.NoError(t, store.SetQueued(ctx, j.ID))
	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)

	require.NoError(t, store.SetRunning(ctx, j.ID))
	got, err = store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 0, got.Attempts, "starting a job spends no attempt")
	assert.False(t, got.StartedAt.IsZero())

	require.NoError(t, store.SetSuccess(ctx, j.ID, map[string]any{"rows": 42}))
	got, err = store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.False(t, got.CompletedAt.IsZero())

	// SetSuccess is a no-op once already SUCCESS — guards against a stale
	// duplicate completion signal clobbering the result.
	require.NoError(t, store.SetSuccess(ctx, j.ID, map[string]any{"rows": 0}))
	got, err = store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
}

func TestJobStore_RetryAndFailPaths(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	retrying := seedJob(t, ctx, store, "run-4", "flaky")
	require.NoError(t, store.SetRunning(ctx, retrying.ID))
	require.NoError(t, store.SetRetrying(ctx, retrying.ID, "connection reset"))
	got, err := store.Get(ctx, retrying.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRetrying, got.Status)
	assert.Equal(t, "connection reset", got.Error)
	assert.Equal(t, 1, got.Attempts, "a transient failure spends one attempt")

	doomed := seedJob(t, ctx, store, "run-4", "doomed")
	require.NoError(t, store.SetRunning(ctx, doomed.ID))
	require.NoError(t, store.SetFailed(ctx, doomed.ID, "exhausted retries"))
	got, err = store.Get(ctx, doomed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestJobStore_SetCancelled_SkipsTerminalJobs(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	pending := seedJob(t, ctx, store, "run-6", "pending")
	require.NoError(t, store.SetCancelled(ctx, pending.ID))
	got, err := store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	done := seedJob(t, ctx, store, "run-6", "done")
	require.NoError(t, store.SetSuccess(ctx, done.ID, nil))
	require.NoError(t, store.SetCancelled(ctx, done.ID))
	got, err = store.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status, "a finished job stays finished")
}

func TestJobStore_Requeue_DoesNotTouchAttempts(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	j := seedJob(t, ctx, store, "run-5", "zombie")
	require.NoError(t, store.SetRunning(ctx, j.ID))
	require.NoError(t, store.SetRetrying(ctx, j.ID, "boom"))
	require.NoError(t, store.SetRunning(ctx, j.ID))
	before, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 1, before.Attempts)

	require.NoError(t, store.Requeue(ctx, j.ID))
	after, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, after.Status)
	assert.Equal(t, 1, after.Attempts)
}
