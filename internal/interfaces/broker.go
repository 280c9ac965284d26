package interfaces

import (
	"context"
	"time"
)

// Broker is the scheduling-side contract the bootstrapper, worker and
// janitor are built against: the ready list, delayed set, dead-letter list,
// per-job leases, and the per-run dependency/reverse-graph bookkeeping that
// backs the atomic completion fan-out. The Store is authoritative for job
// *outcome*; the Broker is authoritative for job *liveness and eligibility*
// — implementations must not blur this line.
type Broker interface {
	// PushReady appends jobID to the ready list tail.
	PushReady(ctx context.Context, jobID string) error
	// PopReadyBlocking blocks (bounded by ctx and the given timeout)
	// for the head of the ready list. Returns "", nil on a timeout with no
	// job available so callers can re-check ctx.Done() between polls.
	PopReadyBlocking(ctx context.Context, timeout time.Duration) (string, error)

	// AcquireLease attempts an atomic set-if-absent with TTL. Returns true
	// iff the caller now owns the lease.
	AcquireLease(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error)
	// RenewLease extends the TTL of an existing lease. Idempotent; does not
	// verify the caller still owns it — the heartbeat goroutine is trusted
	// because it shares process lifetime with the lease holder.
	RenewLease(ctx context.Context, jobID string, ttl time.Duration) error
	// ReleaseLease unconditionally deletes the lease key.
	ReleaseLease(ctx context.Context, jobID string) error
	// LeaseExists reports whether a job's lease key is still present —
	// used by the janitor's zombie reclamation scan.
	LeaseExists(ctx context.Context, jobID string) (bool, error)

	// SeedRun initializes a run's per-run broker state: jobs_count,
	// deps_count (job id -> number of not-yet-satisfied dependencies) and
	// reverse_graph (job id -> ordered child job ids). Called once by the
	// bootstrapper; the completion script is the only other writer of
	// deps_count thereafter.
	SeedRun(ctx context.Context, runID string, jobsCount int, depsCount map[string]int, reverseGraph map[string][]string) error

	// Complete atomically decrements the dependency counter of each direct
	// child of completedJobID and returns those children whose counter made
	// the transition to exactly zero — pushing them to the ready list tail
	// as part of the same server-side script. Safe under concurrent
	// completion of sibling parents of a shared child.
	Complete(ctx context.Context, runID, completedJobID string) ([]string, error)

	// ScheduleRetry inserts jobID into the delayed set keyed by dueEpochSeconds.
	ScheduleRetry(ctx context.Context, jobID string, dueEpochSeconds int64) error
	// PromoteDue atomically moves delayed-set entries whose score is <= now
	// into the ready list and removes them from the delayed set, returning
	// the promoted job ids.
	PromoteDue(ctx context.Context, now int64) ([]string, error)

	// DeadLetter appends jobID to the dead-letter list.
	DeadLetter(ctx context.Context, jobID string) error

	// DecrJobsRemaining atomically decrements a run's jobs-remaining counter
	// and returns the new value.
	DecrJobsRemaining(ctx context.Context, runID string) (int64, error)

	// CleanupRun removes the run's per-run broker keys (deps_count,
	// reverse_graph, jobs_count) once the run has reached a terminal state.
	CleanupRun(ctx context.Context, runID string) error

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
	Close() error
}
