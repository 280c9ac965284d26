package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/meridian-orchestrator/meridian/internal/broker"
	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/models"
	testcommon "github.com/meridian-orchestrator/meridian/tests/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

type harness struct {
	store  *testcommon.MemStore
	broker *broker.Broker
	redis  *redis.Client
	worker *Worker
}

func newHarness(t *testing.T, registry Registry, cfg common.SchedulerConfig) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := testcommon.NewMemStore()
	brk := broker.NewWithClient(client, common.NewSilentLogger(), "test")

	w := New(store, brk, registry, common.NewSilentLogger(), cfg, nil)
	t.Cleanup(w.Stop)

	return &harness{store: store, broker: brk, redis: client, worker: w}
}

func testConfig() common.SchedulerConfig {
	return common.SchedulerConfig{
		LeaseTTLSeconds:          30,
		HeartbeatIntervalSeconds: 1,
		MaxRetry:                 3,
		BaseDelaySeconds:         0,
		JanitorIntervalSeconds:   1,
		MaxConcurrent:            1,
	}
}

// seedSingleJob persists a RUNNING run with one QUEUED job and seeds the
// matching broker state, returning the job id.
func seedSingleJob(t *testing.T, h *harness, runID, function string) string {
	t.Helper()
	ctx := context.Background()

	run := &models.Run{ID: runID, PipelineID: "pl", Status: models.RunStatusRunning}
	require.NoError(t, h.store.RunStore().Create(ctx, run))

	job := &models.Job{RunID: runID, TaskID: "t", Function: function, Status: models.JobStatusQueued}
	require.NoError(t, h.store.JobStore().CreateBatch(ctx, []*models.Job{job}))

	require.NoError(t, h.broker.SeedRun(ctx, runID, 1,
		map[string]int{job.ID: 0}, map[string][]string{job.ID: {}}))
	require.NoError(t, h.broker.PushReady(ctx, job.ID))
	return job.ID
}

func TestWorker_SuccessPath(t *testing.T) {
	var executed sync.Map
	registry := Registry{
		"ok": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			executed.Store(job.ID, true)
			return map[string]interface{}{"done": true}, nil
		},
	}

	h := newHarness(t, registry, testConfig())
	jobID := seedSingleJob(t, h, "run-ok", "ok")

	h.worker.Start()

	assert.Eventually(t, func() bool {
		j := h.store.Job(jobID)
		return j != nil && j.Status == models.JobStatusSuccess
	}, waitFor, tick, "job should reach SUCCESS")

	assert.Eventually(t, func() bool {
		r := h.store.Run("run-ok")
		return r != nil && r.Status == models.RunStatusSuccess
	}, waitFor, tick, "run should reach SUCCESS once remaining hits zero")

	j := h.store.Job(jobID)
	assert.Equal(t, 0, j.Attempts, "a clean first execution spends no attempt")
	assert.NotNil(t, j.Result)
	_, ran := executed.Load(jobID)
	assert.True(t, ran)
}

func TestWorker_FanOutUnblocksDependent(t *testing.T) {
	registry := Registry{
		"ok": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	}
	h := newHarness(t, registry, testConfig())
	ctx := context.Background()

	run := &models.Run{ID: "run-chain", PipelineID: "pl", Status: models.RunStatusRunning}
	require.NoError(t, h.store.RunStore().Create(ctx, run))

	parent := &models.Job{RunID: run.ID, TaskID: "parent", Function: "ok", Status: models.JobStatusQueued}
	child := &models.Job{RunID: run.ID, TaskID: "child", Function: "ok", Status: models.JobStatusPending}
	require.NoError(t, h.store.JobStore().CreateBatch(ctx, []*models.Job{parent, child}))

	require.NoError(t, h.broker.SeedRun(ctx, run.ID, 2,
		map[string]int{parent.ID: 0, child.ID: 1},
		map[string][]string{parent.ID: {child.ID}, child.ID: {}}))
	require.NoError(t, h.broker.PushReady(ctx, parent.ID))

	h.worker.Start()

	assert.Eventually(t, func() bool {
		p := h.store.Job(parent.ID)
		c := h.store.Job(child.ID)
		return p.Status == models.JobStatusSuccess && c.Status == models.JobStatusSuccess
	}, waitFor, tick, "completion fan-out should enqueue and finish the child")

	assert.Eventually(t, func() bool {
		return h.store.Run(run.ID).Status == models.RunStatusSuccess
	}, waitFor, tick)

	// The child never started before its parent committed.
	p, c := h.store.Job(parent.ID), h.store.Job(child.ID)
	assert.False(t, c.StartedAt.Before(p.CompletedAt),
		"child start %v must not precede parent completion %v", c.StartedAt, p.CompletedAt)
}

func TestWorker_RetryThenSucceed(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	registry := Registry{
		"flaky": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls <= 2 {
				return nil, errors.New("transient failure")
			}
			return "finally", nil
		},
	}

	h := newHarness(t, registry, testConfig())
	jobID := seedSingleJob(t, h, "run-flaky", "flaky")

	h.worker.Start()

	// Retries land in the delayed set; promote them as a janitor tick would.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(tick):
				h.broker.PromoteDue(context.Background(), time.Now().Unix())
			}
		}
	}()

	assert.Eventually(t, func() bool {
		j := h.store.Job(jobID)
		return j.Status == models.JobStatusSuccess
	}, waitFor, tick, "third attempt should succeed")

	j := h.store.Job(jobID)
	assert.Equal(t, 2, j.Attempts, "two transient failures spend two attempts")
	assert.Equal(t, 1, h.store.SuccessTransitions[jobID])

	logs := h.store.TaskLogs(jobID)
	require.Len(t, logs, 2, "one task log per failed attempt")
	assert.Equal(t, "transient failure", logs[0].Message)
}

func TestWorker_DeadLetterAfterRetryBound(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	registry := Registry{
		"doomed": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil, errors.New("always fails")
		},
	}

	h := newHarness(t, registry, testConfig())
	jobID := seedSingleJob(t, h, "run-doomed", "doomed")

	h.worker.Start()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(tick):
				h.broker.PromoteDue(context.Background(), time.Now().Unix())
			}
		}
	}()

	assert.Eventually(t, func() bool {
		j := h.store.Job(jobID)
		return j.Status == models.JobStatusFailed
	}, waitFor, tick, "job should dead-letter once the retry bound is exceeded")

	assert.Eventually(t, func() bool {
		return h.store.Run("run-doomed").Status == models.RunStatusFailed
	}, waitFor, tick)

	mu.Lock()
	executions := calls
	mu.Unlock()
	assert.Equal(t, 4, executions, "initial attempt plus three retries")

	dlq, err := h.redis.LRange(context.Background(), "test:dead_letter_queue", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{jobID}, dlq, "exactly one dead-letter entry")
}

func TestWorker_BackoffSchedule_FirstRetryWaitsBaseDelay(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelaySeconds = 10

	registry := Registry{
		"doomed": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("always fails")
		},
	}

	h := newHarness(t, registry, cfg)
	jobID := seedSingleJob(t, h, "run-backoff", "doomed")

	before := time.Now().Unix()
	h.worker.Start()

	assert.Eventually(t, func() bool {
		return h.store.Job(jobID).Status == models.JobStatusRetrying
	}, waitFor, tick)

	score, err := h.redis.ZScore(context.Background(), "test:delayed_queue", jobID).Result()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(score), before+10,
		"first retry must be due no earlier than base delay after the failure")
}

func TestWorker_LeaseDenied_DiscardsSilently(t *testing.T) {
	registry := Registry{
		"ok": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			t.Error("task body must not run when the lease is held elsewhere")
			return nil, nil
		},
	}

	h := newHarness(t, registry, testConfig())
	jobID := seedSingleJob(t, h, "run-held", "ok")

	ok, err := h.broker.AcquireLease(context.Background(), jobID, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	h.worker.Start()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, models.JobStatusQueued, h.store.Job(jobID).Status,
		"job stays QUEUED for the legitimate holder")
}

func TestWorker_CancelledRun_MarksJobCancelled(t *testing.T) {
	registry := Registry{
		"ok": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			t.Error("task body must not run for a cancelled run")
			return nil, nil
		},
	}

	h := newHarness(t, registry, testConfig())
	jobID := seedSingleJob(t, h, "run-cancelled", "ok")
	require.NoError(t, h.store.RunStore().SetStatus(context.Background(), "run-cancelled",
		models.RunStatusCancelled, time.Now()))

	h.worker.Start()

	assert.Eventually(t, func() bool {
		return h.store.Job(jobID).Status == models.JobStatusCancelled
	}, waitFor, tick)
}

func TestWorker_DuplicateDelivery_AtMostOnceSuccess(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	registry := Registry{
		"ok": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil, nil
		},
	}

	h := newHarness(t, registry, testConfig())
	jobID := seedSingleJob(t, h, "run-dup", "ok")

	h.worker.Start()

	assert.Eventually(t, func() bool {
		return h.store.Job(jobID).Status == models.JobStatusSuccess
	}, waitFor, tick)

	// Deliver the same id again, as a crashed-then-reclaimed worker would.
	require.NoError(t, h.broker.PushReady(context.Background(), jobID))

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	executions := calls
	mu.Unlock()
	assert.Equal(t, 1, executions, "terminal job must be discarded on redelivery")
	assert.Equal(t, 1, h.store.SuccessTransitions[jobID])
}

// TestWorker_FailedRunStaysFailed covers a permanent failure alongside a
// still-pending sibling: the dead-letter marks the run FAILED and cleans up
// its broker state, so the sibling's later success decrements a missing
// jobs_count key — the run must not flip back to SUCCESS.
func TestWorker_FailedRunStaysFailed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetry = 0

	registry := Registry{
		"doomed": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("always fails")
		},
		"ok": func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	}

	h := newHarness(t, registry, cfg)
	ctx := context.Background()

	run := &models.Run{ID: "run-mixed", PipelineID: "pl", Status: models.RunStatusRunning}
	require.NoError(t, h.store.RunStore().Create(ctx, run))

	doomed := &models.Job{RunID: run.ID, TaskID: "doomed", Function: "doomed", Status: models.JobStatusQueued}
	ok := &models.Job{RunID: run.ID, TaskID: "ok", Function: "ok", Status: models.JobStatusQueued}
	require.NoError(t, h.store.JobStore().CreateBatch(ctx, []*models.Job{doomed, ok}))

	require.NoError(t, h.broker.SeedRun(ctx, run.ID, 2,
		map[string]int{doomed.ID: 0, ok.ID: 0},
		map[string][]string{doomed.ID: {}, ok.ID: {}}))
	require.NoError(t, h.broker.PushReady(ctx, doomed.ID))
	require.NoError(t, h.broker.PushReady(ctx, ok.ID))

	h.worker.Start()

	assert.Eventually(t, func() bool {
		return h.store.Job(doomed.ID).Status == models.JobStatusFailed &&
			h.store.Job(ok.ID).Status == models.JobStatusSuccess
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		return h.store.Run(run.ID).Status == models.RunStatusFailed
	}, waitFor, tick)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, models.RunStatusFailed, h.store.Run(run.ID).Status,
		"a FAILED run must never be overwritten by a late sibling success")
}

func TestWorker_UnregisteredFunction_Fails(t *testing.T) {
	h := newHarness(t, Registry{}, testConfig())
	jobID := seedSingleJob(t, h, "run-unknown", "missing")

	h.worker.Start()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(tick):
				h.broker.PromoteDue(context.Background(), time.Now().Unix())
			}
		}
	}()

	assert.Eventually(t, func() bool {
		return h.store.Job(jobID).Status == models.JobStatusFailed
	}, waitFor, tick)
	assert.Contains(t, h.store.Job(jobID).Error, "no task registered")
}
