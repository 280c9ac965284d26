// Package janitor runs the periodic reconciliation daemon: zombie lease
// reclamation and delayed-queue promotion.
package janitor

import (
	"context"
	"time"

	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/meridian-orchestrator/meridian/internal/models"
)

const backoffMax = 30 * time.Second

// Janitor reconciles the broker and the store on a fixed interval.
type Janitor struct {
	store  interfaces.Store
	broker interfaces.Broker
	logger *common.Logger
	config common.SchedulerConfig

	cancel context.CancelFunc
	done   chan struct{}
}

func New(store interfaces.Store, broker interfaces.Broker, logger *common.Logger, config common.SchedulerConfig) *Janitor {
	return &Janitor{store: store, broker: broker, logger: logger, config: config}
}

// Start launches the tick loop as a goroutine. Safe to call multiple times —
// stops any existing loop before starting.
func (j *Janitor) Start() {
	if j.cancel != nil {
		j.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)
		j.loop(ctx)
	}()

	j.logger.Info().Dur("interval", j.config.JanitorInterval()).Msg("Janitor started")
}

// Stop cancels the tick loop and waits for the current tick to finish.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	if j.done != nil {
		<-j.done
	}
	j.logger.Info().Msg("Janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	interval := j.config.JanitorInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	backoff := time.Duration(0)

	tick := func() {
		if j.Tick(ctx) {
			backoff = 0
			return
		}
		if backoff == 0 {
			backoff = 2 * time.Second
		} else {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
		j.logger.Warn().Dur("backoff", backoff).Msg("Janitor: scan error, backing off before next tick")
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}

	tick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Tick runs one reconciliation pass: zombie reclamation then delay
// promotion. Returns false if either scan hit an infrastructure error, so
// the caller can back off before the next tick.
func (j *Janitor) Tick(ctx context.Context) bool {
	zombiesOK := j.reclaimZombies(ctx)
	delaysOK := j.promoteDue(ctx)
	return zombiesOK && delaysOK
}

// reclaimZombies scans store-side RUNNING jobs whose lease is absent from
// the broker and requeues them. Absence of the lease means the worker died
// or partitioned away long enough for its TTL to expire.
func (j *Janitor) reclaimZombies(ctx context.Context) bool {
	running, err := j.store.JobStore().ListByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Janitor: failed to list running jobs")
		return false
	}

	reclaimed := 0
	ok := true
	for _, job := range running {
		exists, err := j.broker.LeaseExists(ctx, job.ID)
		if err != nil {
			j.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Janitor: failed to check lease")
			ok = false
			continue
		}
		if exists {
			continue
		}

		if err := j.store.JobStore().Requeue(ctx, job.ID); err != nil {
			j.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Janitor: failed to requeue zombie job")
			ok = false
			continue
		}
		if err := j.broker.PushReady(ctx, job.ID); err != nil {
			j.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Janitor: failed to push reclaimed job to ready list")
			ok = false
			continue
		}
		reclaimed++
	}

	if reclaimed > 0 {
		j.logger.Info().Int("reclaimed", reclaimed).Msg("Janitor: reclaimed zombie jobs")
	}
	return ok
}

// promoteDue asks the broker to atomically move due delayed-set entries into
// the ready list.
func (j *Janitor) promoteDue(ctx context.Context) bool {
	promoted, err := j.broker.PromoteDue(ctx, time.Now().Unix())
	if err != nil {
		j.logger.Warn().Err(err).Msg("Janitor: failed to promote due retries")
		return false
	}
	if len(promoted) > 0 {
		j.logger.Info().Int("promoted", len(promoted)).Msg("Janitor: promoted due retries to ready list")
	}
	return true
}
