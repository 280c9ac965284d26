// Package broker implements the orchestrator's scheduling-side state on top
// of Redis: ready list, delayed set, dead-letter list, per-job leases and
// per-run dependency bookkeeping. The completion fan-out runs as a
// single-round-trip Lua script so sibling parents of a shared child can
// never double-enqueue it or leave it stranded.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/redis/go-redis/v9"
)

// completeScript is the server-side atomic completion routine: for each
// downstream job id, decrement its dependency counter by 1; collect those
// whose post-decrement value is exactly 0; right-push the collected ids to
// the ready list; return them. Pushing only on the transition to zero (not
// on observing zero) keeps a duplicate completion from re-enqueueing a
// child whose counter is already spent. It is the only writer of deps_count
// during normal operation besides the bootstrapper's initial SeedRun.
//
// KEYS[1] = deps_count hash key
// KEYS[2] = ready list key
// ARGV    = child job ids (ordered)
var completeScript = redis.NewScript(`
local deps_key = KEYS[1]
local ready_key = KEYS[2]
local newly_ready = {}
for i = 1, #ARGV do
	local child = ARGV[i]
	local exists = redis.call('HEXISTS', deps_key, child)
	if exists == 1 then
		local remaining = redis.call('HINCRBY', deps_key, child, -1)
		if remaining == 0 then
			table.insert(newly_ready, child)
		end
	end
end
if #newly_ready > 0 then
	redis.call('RPUSH', ready_key, unpack(newly_ready))
end
return newly_ready
`)

// promoteDueScript atomically ranges the delayed set for members due at or
// before ARGV[1] (epoch seconds), removes them and pushes them to the ready
// list, returning the promoted ids. Doing the range-then-move as one script
// avoids a race where two janitor ticks (or a janitor racing a worker's own
// schedule_retry) could double-promote the same entry.
//
// KEYS[1] = delayed set key
// KEYS[2] = ready list key
// ARGV[1] = now (epoch seconds)
var promoteDueScript = redis.NewScript(`
local delayed_key = KEYS[1]
local ready_key = KEYS[2]
local now = ARGV[1]
local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)
if #due > 0 then
	redis.call('ZREM', delayed_key, unpack(due))
	redis.call('RPUSH', ready_key, unpack(due))
end
return due
`)

// Broker is the go-redis backed implementation of interfaces.Broker.
type Broker struct {
	client *redis.Client
	logger *common.Logger
	prefix string

	readyName      string
	delayedName    string
	deadLetterName string
}

// Option customises a Broker.
type Option func(*Broker)

// WithQueueKeys overrides the logical names of the ready, delayed and
// dead-letter queues. Empty values keep the defaults.
func WithQueueKeys(ready, delayed, deadLetter string) Option {
	return func(b *Broker) {
		if ready != "" {
			b.readyName = ready
		}
		if delayed != "" {
			b.delayedName = delayed
		}
		if deadLetter != "" {
			b.deadLetterName = deadLetter
		}
	}
}

// New creates a Broker connected to the given Redis address.
func New(logger *common.Logger, addr, password string, db int, prefix string, opts ...Option) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis broker at %s: %w", addr, err)
	}

	return NewWithClient(client, logger, prefix, opts...), nil
}

// NewWithClient wraps an existing redis.Client — used by tests against
// miniredis and by callers that want to share a connection pool.
func NewWithClient(client *redis.Client, logger *common.Logger, prefix string, opts ...Option) *Broker {
	b := &Broker{
		client:         client,
		logger:         logger,
		prefix:         prefix,
		readyName:      "ready_queue",
		delayedName:    "delayed_queue",
		deadLetterName: "dead_letter_queue",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) key(parts ...string) string {
	out := b.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (b *Broker) readyKey() string             { return b.key(b.readyName) }
func (b *Broker) delayedKey() string           { return b.key(b.delayedName) }
func (b *Broker) deadLetterKey() string        { return b.key(b.deadLetterName) }
func (b *Broker) leaseKey(jobID string) string { return b.key("job", jobID, "lock") }
func (b *Broker) depsKey(runID string) string  { return b.key("run", runID, "deps_count") }
func (b *Broker) reverseKey(runID string) string {
	return b.key("run", runID, "reverse_graph")
}
func (b *Broker) jobsCountKey(runID string) string { return b.key("run", runID, "jobs_count") }

func (b *Broker) PushReady(ctx context.Context, jobID string) error {
	return b.client.RPush(ctx, b.readyKey(), jobID).Err()
}

// PopReadyBlocking uses BLPOP bounded by timeout so the caller can re-check
// ctx.Done() between polls rather than blocking forever on one round trip.
func (b *Broker) PopReadyBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := b.client.BLPop(ctx, timeout, b.readyKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

func (b *Broker) AcquireLease(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.leaseKey(jobID), workerID, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (b *Broker) RenewLease(ctx context.Context, jobID string, ttl time.Duration) error {
	// Idempotent extend, no ownership check: the heartbeat goroutine shares
	// process lifetime with the lease holder.
	return b.client.Expire(ctx, b.leaseKey(jobID), ttl).Err()
}

func (b *Broker) ReleaseLease(ctx context.Context, jobID string) error {
	return b.client.Del(ctx, b.leaseKey(jobID)).Err()
}

func (b *Broker) LeaseExists(ctx context.Context, jobID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.leaseKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SeedRun writes jobs_count, deps_count and reverse_graph in a single
// pipelined round trip. The reverse graph's child sequence is stored as a
// comma-joined string per job; Complete decodes it in Go, so the Lua
// script never reads reverse_graph and only receives the child ids.
func (b *Broker) SeedRun(ctx context.Context, runID string, jobsCount int, depsCount map[string]int, reverseGraph map[string][]string) error {
	pipe := b.client.TxPipeline()

	pipe.Set(ctx, b.jobsCountKey(runID), jobsCount, 0)

	if len(depsCount) > 0 {
		fields := make(map[string]interface{}, len(depsCount))
		for jobID, n := range depsCount {
			fields[jobID] = n
		}
		pipe.HSet(ctx, b.depsKey(runID), fields)
	}

	if len(reverseGraph) > 0 {
		fields := make(map[string]interface{}, len(reverseGraph))
		for jobID, children := range reverseGraph {
			fields[jobID] = encodeChildren(children)
		}
		pipe.HSet(ctx, b.reverseKey(runID), fields)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Complete loads the reverse-graph entry for completedJobID and runs the
// atomic decrement-and-collect script against its children.
func (b *Broker) Complete(ctx context.Context, runID, completedJobID string) ([]string, error) {
	raw, err := b.client.HGet(ctx, b.reverseKey(runID), completedJobID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	children := decodeChildren(raw)
	if len(children) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(children))
	for i, c := range children {
		args[i] = c
	}

	res, err := completeScript.Run(ctx, b.client, []string{b.depsKey(runID), b.readyKey()}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("completion script failed for run %s job %s: %w", runID, completedJobID, err)
	}

	return toStringSlice(res), nil
}

func (b *Broker) ScheduleRetry(ctx context.Context, jobID string, dueEpochSeconds int64) error {
	return b.client.ZAdd(ctx, b.delayedKey(), redis.Z{Score: float64(dueEpochSeconds), Member: jobID}).Err()
}

func (b *Broker) PromoteDue(ctx context.Context, now int64) ([]string, error) {
	res, err := promoteDueScript.Run(ctx, b.client, []string{b.delayedKey(), b.readyKey()}, now).Result()
	if err != nil {
		return nil, fmt.Errorf("promote-due script failed: %w", err)
	}
	return toStringSlice(res), nil
}

func (b *Broker) DeadLetter(ctx context.Context, jobID string) error {
	return b.client.RPush(ctx, b.deadLetterKey(), jobID).Err()
}

func (b *Broker) DecrJobsRemaining(ctx context.Context, runID string) (int64, error) {
	return b.client.Decr(ctx, b.jobsCountKey(runID)).Result()
}

func (b *Broker) CleanupRun(ctx context.Context, runID string) error {
	return b.client.Del(ctx, b.depsKey(runID), b.reverseKey(runID), b.jobsCountKey(runID)).Err()
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	return b.client.Close()
}

var _ interfaces.Broker = (*Broker)(nil)

// encodeChildren/decodeChildren serialize a child-id sequence into a single
// redis hash field value without pulling in encoding/json for a list of
// plain strings — a comma is never valid inside a generated job id (they
// are uuid.New().String() values), so a simple join is sufficient and
// avoids a quoting layer the completion script would otherwise have to
// parse in Lua.
func encodeChildren(children []string) string {
	out := ""
	for i, c := range children {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func decodeChildren(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			out = append(out, raw[start:i])
			start = i + 1
		}
	}
	return out
}

func toStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch t := it.(type) {
		case string:
			out = append(out, t)
		case int64:
			out = append(out, strconv.FormatInt(t, 10))
		}
	}
	return out
}
