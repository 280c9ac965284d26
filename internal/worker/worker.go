// Package worker implements the ready-queue consumer protocol: blocking
// pull, lease acquisition, heartbeat-based renewal, task body execution
// through a pluggable registry, and the success/retry/dead-letter routing
// that follows.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/events"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/meridian-orchestrator/meridian/internal/models"
	"github.com/sony/gobreaker"
)

// TaskFunc is the signature a pipeline's `function` field resolves to. The
// task body is opaque to the orchestrator: it may return an error (transient
// failure, retried) or a result payload (success).
type TaskFunc func(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error)

// Registry maps a pipeline definition's `function` name to its TaskFunc.
type Registry map[string]TaskFunc

const pollTimeout = 5 * time.Second

// Worker pulls jobs from the ready list and drives them to completion.
type Worker struct {
	id       string
	store    interfaces.Store
	broker   interfaces.Broker
	registry Registry
	logger   *common.Logger
	config   common.SchedulerConfig
	hub      *events.Hub

	storeBreaker  *gobreaker.CircuitBreaker
	brokerBreaker *gobreaker.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Worker identified by a generated worker id.
func New(store interfaces.Store, broker interfaces.Broker, registry Registry, logger *common.Logger, config common.SchedulerConfig, hub *events.Hub) *Worker {
	return &Worker{
		id:       uuid.New().String(),
		store:    store,
		broker:   broker,
		registry: registry,
		logger:   logger,
		config:   config,
		hub:      hub,
		storeBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "worker-store",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
		brokerBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "worker-broker",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
	}
}

// withBreaker runs fn through cb. Repeated store/broker failures trip the
// breaker so the worker fails fast instead of hammering a down dependency;
// the breaker's open-state error surfaces like any other infrastructure
// error and leaves the lease to expire naturally.
func withBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// safeGo launches a goroutine with panic recovery so a panicking task body
// or heartbeat can never take down the whole worker process.
func (w *Worker) safeGo(name string, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in worker goroutine")
			}
		}()
		fn()
	}()
}

// Start launches maxConcurrent pull loops. Safe to call multiple times —
// stops any existing loops before starting.
func (w *Worker) Start() {
	if w.cancel != nil {
		w.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	maxConc := w.config.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 1
	}
	for i := 0; i < maxConc; i++ {
		name := fmt.Sprintf("worker-%s-loop-%d", w.id, i)
		w.safeGo(name, func() { w.pullLoop(ctx) })
	}

	w.logger.Info().Str("worker_id", w.id).Int("max_concurrent", maxConc).Msg("Worker started")
}

// Stop cancels all pull loops and waits for in-flight jobs to finish cleanup.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.wg.Wait()
	w.logger.Info().Str("worker_id", w.id).Msg("Worker stopped")
}

func (w *Worker) pullLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := withBreaker(w.brokerBreaker, func() (string, error) {
			return w.broker.PopReadyBlocking(ctx, pollTimeout)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn().Err(err).Msg("Failed to pop ready job, retrying")
			continue
		}
		if jobID == "" {
			continue // poll timeout, no job available
		}

		w.handle(ctx, jobID)
	}
}

// handle drives one job through lease acquisition, execution, and cleanup.
func (w *Worker) handle(ctx context.Context, jobID string) {
	acquired, err := withBreaker(w.brokerBreaker, func() (bool, error) {
		return w.broker.AcquireLease(ctx, jobID, w.id, w.config.LeaseTTL())
	})
	if err != nil {
		w.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to acquire lease")
		return
	}
	if !acquired {
		// Race kind: another worker legitimately owns the lease. Discard silently.
		return
	}

	heartbeatDone := make(chan struct{})
	w.safeGo(fmt.Sprintf("heartbeat-%s", jobID), func() { w.heartbeat(ctx, jobID, heartbeatDone) })

	defer func() {
		close(heartbeatDone)
		if _, err := withBreaker(w.brokerBreaker, func() (struct{}, error) {
			return struct{}{}, w.broker.ReleaseLease(ctx, jobID)
		}); err != nil {
			w.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to release lease")
		}
	}()

	job, err := withBreaker(w.storeBreaker, func() (*models.Job, error) {
		return w.store.JobStore().Get(ctx, jobID)
	})
	if err != nil {
		w.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load job, leaving lease to expire")
		return
	}
	if job.Status.IsTerminal() {
		// Duplicate delivery of a job that already committed its outcome.
		return
	}

	// Cancellation is observed here, on the next job pick — never mid-task.
	run, err := withBreaker(w.storeBreaker, func() (*models.Run, error) {
		return w.store.RunStore().Get(ctx, job.RunID)
	})
	if err != nil {
		w.logger.Error().Str("run_id", job.RunID).Err(err).Msg("Failed to load run, leaving lease to expire")
		return
	}
	if run.Status == models.RunStatusCancelled {
		if err := w.store.JobStore().SetCancelled(ctx, job.ID); err != nil {
			w.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to mark job cancelled")
		}
		return
	}

	if err := w.store.JobStore().SetRunning(ctx, jobID); err != nil {
		w.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to mark job running")
		return
	}
	job.Status = models.JobStatusRunning

	w.broadcast(models.JobEvent{Type: "job_started", RunID: job.RunID, Job: job})

	fn, ok := w.registry[job.Function]
	if !ok {
		w.fail(ctx, job, fmt.Errorf("no task registered for function %q", job.Function))
		return
	}

	result, execErr := fn(ctx, job, run.Parameters)
	if execErr != nil {
		w.fail(ctx, job, execErr)
		return
	}
	w.succeed(ctx, job, result)
}

func (w *Worker) heartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := w.config.HeartbeatInterval()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := withBreaker(w.brokerBreaker, func() (struct{}, error) {
				return struct{}{}, w.broker.RenewLease(ctx, jobID, w.config.LeaseTTL())
			}); err != nil {
				w.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to renew lease")
			}
		}
	}
}

// succeed handles the success path: SUCCESS in store, complete fan-out,
// jobs-remaining decrement, and run-SUCCESS promotion when it reaches zero.
func (w *Worker) succeed(ctx context.Context, job *models.Job, result interface{}) {
	if err := w.store.JobStore().SetSuccess(ctx, job.ID, result); err != nil {
		w.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job success")
		return
	}
	job.Status = models.JobStatusSuccess
	job.Result = result

	newlyReady, err := w.broker.Complete(ctx, job.RunID, job.ID)
	if err != nil {
		w.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to run completion fan-out")
		return
	}
	for _, readyJobID := range newlyReady {
		if err := w.store.JobStore().SetQueued(ctx, readyJobID); err != nil {
			w.logger.Warn().Str("job_id", readyJobID).Err(err).Msg("Failed to mark dependent job queued")
		}
	}

	w.broadcast(models.JobEvent{Type: "job_succeeded", RunID: job.RunID, Job: job})

	remaining, err := w.broker.DecrJobsRemaining(ctx, job.RunID)
	if err != nil {
		w.logger.Error().Str("run_id", job.RunID).Err(err).Msg("Failed to decrement jobs remaining")
		return
	}
	// Promote only on the exact transition to zero. After a sibling's
	// dead-letter the run is already FAILED and its jobs_count key cleaned
	// up, so this decrement lands on a missing key and goes negative — a
	// late success must not flip that run back.
	if remaining == 0 {
		w.finishRun(ctx, job.RunID, models.RunStatusSuccess)
	}
}

// fail handles the failure path: retry with exponential backoff up to the
// configured retry bound, then dead-letter and mark the run FAILED. The
// attempt count advances only here, on a task-body failure — a janitor
// requeue after a lost lease costs no attempt.
func (w *Worker) fail(ctx context.Context, job *models.Job, execErr error) {
	job.Attempts++

	if err := w.store.TaskLogStore().Append(ctx, &models.TaskLog{
		JobID:   job.ID,
		Attempt: job.Attempts,
		Message: execErr.Error(),
	}); err != nil {
		w.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to append task log")
	}

	if job.Attempts > w.config.MaxRetry {
		if err := w.store.JobStore().SetFailed(ctx, job.ID, execErr.Error()); err != nil {
			w.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job failed")
			return
		}
		job.Status = models.JobStatusFailed
		job.Error = execErr.Error()

		if err := w.broker.DeadLetter(ctx, job.ID); err != nil {
			w.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to dead-letter job")
		}

		w.broadcast(models.JobEvent{Type: "job_failed", RunID: job.RunID, Job: job})

		// FAILED is terminal too: the counter tracks jobs not yet in a
		// terminal state, even though run-FAILED is decided by this
		// transition rather than by the counter reaching zero.
		if _, err := w.broker.DecrJobsRemaining(ctx, job.RunID); err != nil {
			w.logger.Error().Str("run_id", job.RunID).Err(err).Msg("Failed to decrement jobs remaining")
		}

		w.finishRun(ctx, job.RunID, models.RunStatusFailed)
		return
	}

	if err := w.store.JobStore().SetRetrying(ctx, job.ID, execErr.Error()); err != nil {
		w.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job retrying")
		return
	}
	job.Status = models.JobStatusRetrying
	job.Error = execErr.Error()

	backoff := w.config.BaseDelay() * time.Duration(1<<uint(job.Attempts-1))
	due := time.Now().Add(backoff).Unix()
	if err := w.broker.ScheduleRetry(ctx, job.ID, due); err != nil {
		w.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to schedule retry")
		return
	}

	w.broadcast(models.JobEvent{Type: "job_retrying", RunID: job.RunID, Job: job})
}

func (w *Worker) finishRun(ctx context.Context, runID string, status models.RunStatus) {
	run, err := w.store.RunStore().Get(ctx, runID)
	if err != nil {
		w.logger.Error().Str("run_id", runID).Err(err).Msg("Failed to load run for finalization")
		return
	}
	if run.IsTerminal() {
		return
	}
	if err := w.store.RunStore().SetStatus(ctx, runID, status, time.Now()); err != nil {
		w.logger.Error().Str("run_id", runID).Err(err).Msg("Failed to finalize run status")
		return
	}
	if err := w.broker.CleanupRun(ctx, runID); err != nil {
		w.logger.Warn().Str("run_id", runID).Err(err).Msg("Failed to clean up run broker state")
	}
	w.broadcast(models.JobEvent{Type: "run_completed", RunID: runID})
}

func (w *Worker) broadcast(event models.JobEvent) {
	if w.hub != nil {
		w.hub.Broadcast(event)
	}
}
