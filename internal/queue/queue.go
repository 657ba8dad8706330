// Package queue implements the Task Queue: a FIFO of task IDs with a
// companion pending-set to prevent duplicate enqueues, plus a lease table
// for at-most-one-worker-per-task and auto-requeue on timeout. The Queue
// exclusively owns the pending-set and lease tables (spec §3 Ownership).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskbroker/internal/broker"
	otelpkg "github.com/basket/taskbroker/internal/otel"
	"github.com/basket/taskbroker/internal/store"
)

const (
	// DefaultLeaseMS is LEASE_MS's default (spec §4.2).
	DefaultLeaseMS = 60_000
	minExtendTTL   = 15 * time.Second
)

// Lease is a time-bounded exclusive claim on a task by a worker, renewable
// by heartbeat.
type Lease struct {
	TaskID    string `json:"taskId"`
	WorkerID  string `json:"workerId"`
	LeasedAt  int64  `json:"leasedAt"`
	Renewals  int    `json:"renewals"`
	RenewedAt int64  `json:"renewedAt,omitempty"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Queue is the FIFO + lease table. NewQueue's leaseMS configures the
// default lease TTL; zero uses DefaultLeaseMS.
type Queue struct {
	store   *store.Store
	repo    *broker.Repository
	logger  *slog.Logger
	leaseMS int64

	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

// NewQueue constructs a Queue. repo is used by Claim to fetch the full
// task record once a lease is won. tracer and metrics may be nil; a nil
// tracer falls back to otelpkg.NoopTracer.
func NewQueue(st *store.Store, repo *broker.Repository, leaseMS int64, logger *slog.Logger, tracer trace.Tracer, metrics *otelpkg.Metrics) *Queue {
	if leaseMS <= 0 {
		leaseMS = DefaultLeaseMS
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = otelpkg.NoopTracer()
	}
	return &Queue{store: st, repo: repo, leaseMS: leaseMS, logger: logger, tracer: tracer, metrics: metrics}
}

// Enqueue adds taskID to the FIFO unless it is already pending.
func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	ctx, cancel := q.store.WithDeadline(ctx)
	defer cancel()

	added, err := q.store.Client.SAdd(ctx, store.QueuePending(), taskID).Result()
	if err != nil {
		return broker.StoreUnavailable("enqueue: sadd pending", err)
	}
	if added == 0 {
		return nil // already pending: no-op (spec §4.2, property 7)
	}
	if err := q.store.Client.LPush(ctx, store.Queue(), taskID).Err(); err != nil {
		return broker.StoreUnavailable("enqueue: lpush", err)
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Add(ctx, 1)
	}
	return nil
}

// ClaimResult is returned by Claim on success.
type ClaimResult struct {
	Task  broker.Task
	Input string
}

// Claim runs RequeueLeases, then blocking-pops the FIFO head (tail of the
// LPUSH-built list, making BRPOP the FIFO-order consumer). Returns
// (nil, nil) on timeout or clean shutdown.
func (q *Queue) Claim(ctx context.Context, workerID string, block time.Duration) (result *ClaimResult, err error) {
	ctx, span := otelpkg.StartSpan(ctx, q.tracer, "queue.claim", otelpkg.AttrWorkerID.String(workerID))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		if q.metrics != nil {
			q.metrics.QueueClaimDuration.Record(ctx, time.Since(start).Seconds())
		}
		span.End()
	}()

	if _, err := q.RequeueLeases(ctx); err != nil {
		q.logger.Warn("claim: requeue expired leases failed", "error", err)
	}

	for {
		popCtx, cancel := context.WithTimeout(ctx, block+time.Second)
		res, err := q.store.Client.BRPop(popCtx, block, store.Queue()).Result()
		cancel()
		if err == redis.Nil {
			return nil, nil // timeout
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, nil // shutdown signal
		}
		if err != nil {
			return nil, broker.StoreUnavailable("claim: brpop", err)
		}
		taskID := res[1]

		removed, err := q.store.Client.SRem(ctx, store.QueuePending(), taskID).Result()
		if err != nil {
			return nil, broker.StoreUnavailable("claim: srem pending", err)
		}
		if removed == 0 {
			continue // stale entry: loop back to the blocking pop
		}
		if q.metrics != nil {
			q.metrics.QueueDepth.Add(ctx, -1)
		}
		span.SetAttributes(otelpkg.AttrTaskID.String(taskID))

		won, lease, err := q.tryAcquireLease(ctx, taskID, workerID)
		if err != nil {
			return nil, err
		}
		if !won {
			continue // lost the race for this id; try the next one
		}

		task, err := q.repo.Get(ctx, taskID)
		if err != nil {
			// Task vanished underneath the lease (e.g. retention purge
			// raced with claim); release and put the id back.
			_ = q.Ack(ctx, taskID)
			if enqErr := q.Enqueue(ctx, taskID); enqErr != nil {
				q.logger.Error("claim: failed to re-enqueue orphaned lease", "task_id", taskID, "error", enqErr)
			}
			continue
		}
		task.Assignee = lease.WorkerID
		return &ClaimResult{Task: task, Input: task.Input}, nil
	}
}

// tryAcquireLease performs the check-and-set lease creation: only the
// winning worker of a race succeeds. Grounded on the same compare-and-set
// shape as a SQL transaction's UPDATE ... WHERE status = ?, translated to
// Redis's HSetNX.
func (q *Queue) tryAcquireLease(ctx context.Context, taskID, workerID string) (bool, Lease, error) {
	now := time.Now().UnixMilli()
	lease := Lease{TaskID: taskID, WorkerID: workerID, LeasedAt: now, Renewals: 0, ExpiresAt: now + q.leaseMS}
	leaseJSON, err := json.Marshal(lease)
	if err != nil {
		return false, Lease{}, broker.Internal("marshal lease", err)
	}

	ok, err := q.store.Client.HSetNX(ctx, store.Leases(), taskID, leaseJSON).Result()
	if err != nil {
		return false, Lease{}, broker.StoreUnavailable("claim: hsetnx lease", err)
	}
	if !ok {
		return false, Lease{}, nil
	}
	if err := q.store.Client.ZAdd(ctx, store.LeaseExpirations(), redis.Z{
		Score: float64(lease.ExpiresAt), Member: taskID,
	}).Err(); err != nil {
		return false, Lease{}, broker.StoreUnavailable("claim: zadd lease expiration", err)
	}
	return true, lease, nil
}

// Ack removes the lease, the expiration entry, and the pending-set
// membership for taskID. Idempotent.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	ctx, cancel := q.store.WithDeadline(ctx)
	defer cancel()

	pipe := q.store.Client.TxPipeline()
	pipe.HDel(ctx, store.Leases(), taskID)
	pipe.ZRem(ctx, store.LeaseExpirations(), taskID)
	pipe.SRem(ctx, store.QueuePending(), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.StoreUnavailable("ack", err)
	}
	return nil
}

// Requeue is Ack followed by Enqueue.
func (q *Queue) Requeue(ctx context.Context, taskID string) error {
	if err := q.Ack(ctx, taskID); err != nil {
		return err
	}
	return q.Enqueue(ctx, taskID)
}

// ExtendLease renews taskID's lease if the caller's workerID matches the
// current owner. ttl is clamped to [15s, 5*LEASE_MS].
func (q *Queue) ExtendLease(ctx context.Context, taskID, workerID string, ttl time.Duration) (bool, error) {
	maxTTL := time.Duration(5*q.leaseMS) * time.Millisecond
	if ttl < minExtendTTL {
		ttl = minExtendTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	ctx, cancel := q.store.WithDeadline(ctx)
	defer cancel()

	var extended bool
	err := q.store.Client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, store.Leases(), taskID).Result()
		if err == redis.Nil {
			return nil // no lease: not extended
		}
		if err != nil {
			return err
		}
		var lease Lease
		if err := json.Unmarshal([]byte(raw), &lease); err != nil {
			return err
		}
		if lease.WorkerID != workerID {
			return nil // owner mismatch: not extended
		}

		now := time.Now().UnixMilli()
		lease.Renewals++
		lease.RenewedAt = now
		lease.ExpiresAt = now + ttl.Milliseconds()
		leaseJSON, err := json.Marshal(lease)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, store.Leases(), taskID, leaseJSON)
			pipe.ZAdd(ctx, store.LeaseExpirations(), redis.Z{Score: float64(lease.ExpiresAt), Member: taskID})
			return nil
		})
		if err != nil {
			return err
		}
		extended = true
		return nil
	}, store.Leases())
	if err != nil {
		return false, broker.StoreUnavailable("extend lease", err)
	}
	return extended, nil
}

// RequeueLeases moves every task whose lease has expired (score <= now)
// back onto the queue. Returns the number reclaimed. Grounded on the
// teacher's RequeueExpiredLeases sweep, translated from a SQL UPDATE scan
// to a Redis sorted-set range.
func (q *Queue) RequeueLeases(ctx context.Context) (int64, error) {
	ctx, cancel := q.store.WithDeadline(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	expired, err := q.store.Client.ZRangeByScore(ctx, store.LeaseExpirations(), &redis.ZRangeBy{
		Min: "-inf", Max: formatScore(now),
	}).Result()
	if err != nil {
		return 0, broker.StoreUnavailable("requeue leases: zrangebyscore", err)
	}

	var reclaimed int64
	for _, taskID := range expired {
		removed, err := q.store.Client.ZRem(ctx, store.LeaseExpirations(), taskID).Result()
		if err != nil {
			q.logger.Error("requeue leases: zrem failed", "task_id", taskID, "error", err)
			continue
		}
		if removed == 0 {
			continue // another reaper invocation already claimed this entry
		}
		if err := q.store.Client.HDel(ctx, store.Leases(), taskID).Err(); err != nil {
			q.logger.Error("requeue leases: hdel failed", "task_id", taskID, "error", err)
		}
		if err := q.Enqueue(ctx, taskID); err != nil {
			q.logger.Error("requeue leases: re-enqueue failed", "task_id", taskID, "error", err)
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 && q.metrics != nil {
		q.metrics.LeaseExpired.Add(ctx, reclaimed)
	}
	return reclaimed, nil
}

func formatScore(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
