package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	otelpkg "github.com/basket/taskbroker/internal/otel"
	"github.com/basket/taskbroker/internal/store"
)

const (
	defaultMaxAttempts = 3
	defaultRiskScore   = 0.2
	streamDataField    = "data"
)

// Repository holds Task records and per-task event logs, assigns IDs and
// monotonic stream cursors, and enforces status-transition derivation from
// event payloads. It exclusively owns Task records and event logs (spec §3
// Ownership).
type Repository struct {
	store         *store.Store
	logger        *slog.Logger
	trimThreshold int64

	// Per-task mutexes serialize concurrent AppendEvent calls against the
	// same task within this process. The open question in the design notes
	// ("should simultaneous appends be serialized beyond store-level
	// atomicity?") is decided here: yes, at the process level, so that
	// updatedAt ordering matches latestEventId ordering for any single
	// broker instance; cross-process races still resolve to "last write
	// wins" on the task blob as the design notes permit.
	taskLocks sync.Map // map[string]*sync.Mutex

	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

// NewRepository constructs a Repository. trimThreshold is the soft per-
// stream cap (STREAM_TRIM_THRESHOLD); zero uses the spec default of 2000.
// tracer and metrics may be nil (drill tools and unit tests commonly pass
// nil for both); a nil tracer falls back to otelpkg.NoopTracer.
func NewRepository(st *store.Store, trimThreshold int64, logger *slog.Logger, tracer trace.Tracer, metrics *otelpkg.Metrics) *Repository {
	if trimThreshold <= 0 {
		trimThreshold = 2000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = otelpkg.NoopTracer()
	}
	return &Repository{store: st, logger: logger, trimThreshold: trimThreshold, tracer: tracer, metrics: metrics}
}

func (r *Repository) lockFor(taskID string) *sync.Mutex {
	v, _ := r.taskLocks.LoadOrStore(taskID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create persists a new Task and emits a synthetic task.created event.
func (r *Repository) Create(ctx context.Context, input CreateTaskInput) (Task, error) {
	now := nowMillis()
	task := Task{
		ID:           uuid.NewString(),
		Title:        input.Title,
		Description:  input.Description,
		RepoURL:      input.RepoURL,
		Branch:       input.Branch,
		BaseBranch:   input.BaseBranch,
		Constraints:  input.Constraints,
		Status:       StatusQueued,
		Plan:         []PlanStep{},
		CreatedAt:    now,
		UpdatedAt:    now,
		RiskScore:    defaultRiskScore,
		MaxAttempts:  defaultMaxAttempts,
		ParentTaskID: input.ParentTaskID,
	}

	mu := r.lockFor(task.ID)
	mu.Lock()
	defer mu.Unlock()

	ev := TaskEvent{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Type:      "task.created",
		Timestamp: now,
		Payload:   map[string]interface{}{"title": task.Title},
	}

	if _, err := r.persist(ctx, &task, ev, true); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Get returns the task identified by id, or NotFound.
func (r *Repository) Get(ctx context.Context, id string) (Task, error) {
	ctx, cancel := r.store.WithDeadline(ctx)
	defer cancel()
	task, err := r.getTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (r *Repository) getTask(ctx context.Context, id string) (Task, error) {
	raw, err := r.store.Client.Get(ctx, store.TaskItem(id)).Bytes()
	if err == redis.Nil {
		return Task{}, NotFound(fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return Task{}, StoreUnavailable("get task", err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, Internal("decode task blob", err)
	}
	return task, nil
}

// List returns tasks sorted by createdAt descending. When parentTaskID is
// non-empty, only tasks whose ParentTaskID matches it are returned.
func (r *Repository) List(ctx context.Context, parentTaskID string) ([]Task, error) {
	ctx, cancel := r.store.WithDeadline(ctx)
	defer cancel()

	ids, err := r.store.Client.SMembers(ctx, store.TaskIndexSet()).Result()
	if err != nil {
		return nil, StoreUnavailable("list task index", err)
	}
	if len(ids) == 0 {
		return []Task{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = store.TaskItem(id)
	}
	raws, err := r.store.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, StoreUnavailable("mget tasks", err)
	}
	tasks := make([]Task, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // task was deleted between SMEMBERS and MGET
		}
		var task Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			r.logger.Warn("skipping undecodable task blob", "error", err)
			continue
		}
		if parentTaskID != "" && task.ParentTaskID != parentTaskID {
			continue
		}
		tasks = append(tasks, task.Sanitize())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt > tasks[j].CreatedAt })
	return tasks, nil
}

// AppendEvent persists ev against task id, deriving plan/status updates,
// and fans it out to the per-task and global index streams. It returns
// requeued=true when the event was a retryable task.failed that should be
// put back on the FIFO queue by the caller (broker cannot import queue, so
// the actual re-enqueue is the HTTP layer's responsibility).
func (r *Repository) AppendEvent(ctx context.Context, taskID string, ev TaskEvent) (requeued bool, err error) {
	if !IsKnownEventType(ev.Type) {
		return false, InvalidInput(fmt.Sprintf("unknown event type %q", ev.Type))
	}

	ctx, span := otelpkg.StartClientSpan(ctx, r.tracer, "repository.append_event",
		otelpkg.AttrTaskID.String(taskID),
		otelpkg.AttrEventType.String(ev.Type),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		if r.metrics != nil {
			r.metrics.StreamAppendDuration.Record(ctx, time.Since(start).Seconds())
		}
		span.End()
	}()

	mu := r.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	rctx, cancel := r.store.WithDeadline(ctx)
	defer cancel()

	task, err := r.getTask(rctx, taskID)
	if err != nil {
		return false, err
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.TaskID = taskID
	if ev.Timestamp == 0 {
		ev.Timestamp = nowMillis()
	}

	requeued, err = r.persist(rctx, &task, ev, false)
	return requeued, err
}

// UpdateStatus synthesizes a task.updated event whose payload is
// {status, ...extra} and appends it.
func (r *Repository) UpdateStatus(ctx context.Context, taskID string, status TaskStatus, extra map[string]interface{}) error {
	payload := map[string]interface{}{"status": string(status)}
	for k, v := range extra {
		payload[k] = v
	}
	ev := TaskEvent{
		Type:    "task.updated",
		Payload: payload,
	}
	_, err := r.AppendEvent(ctx, taskID, ev)
	return err
}

// persist applies derivation (plan before status per spec §4.1), then
// atomically: appends to the per-task stream, trims it, writes the task
// blob, and appends the sanitized task to the index stream (also trimmed).
// create indicates whether the task row itself is new (SADD tasks:index).
// The returned bool reports whether ev triggered a retry re-enqueue.
func (r *Repository) persist(ctx context.Context, task *Task, ev TaskEvent, create bool) (bool, error) {
	requeue := deriveFromEvent(task, ev)
	task.UpdatedAt = nowMillis()
	task.LatestEventID = ev.ID

	evJSON, err := json.Marshal(ev)
	if err != nil {
		return false, Internal("marshal event", err)
	}

	streamKey := store.TaskEventsStream(task.ID)
	var addCmd *redis.StringCmd
	_, err = r.store.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if create {
			pipe.SAdd(ctx, store.TaskIndexSet(), task.ID)
		}

		addCmd = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey,
			Values: map[string]interface{}{streamDataField: string(evJSON)},
		})
		pipe.XTrimMaxLenApprox(ctx, streamKey, r.trimThreshold, 0)

		pipe.RPush(ctx, store.TaskEventsList(task.ID), evJSON)
		pipe.LTrim(ctx, store.TaskEventsList(task.ID), -r.trimThreshold, -1)
		return nil
	})
	if err != nil {
		return false, StoreUnavailable("append task event", err)
	}
	// The event append above is the durable fact; the blob write below
	// that follows (carrying the resolved cursor and derived fields) is a
	// second, very small window where the two could observably diverge
	// under a crash. This is the documented resolution of the spec's open
	// atomicity question: the store's transactional pipelining gives
	// atomicity within each step, and a crash between steps leaves the
	// event visible with the task blob one step behind, which a later
	// Snapshot/tail reconciles on the next successful append.
	task.LatestStreamID = addCmd.Val()

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return false, Internal("marshal task", err)
	}
	sanitizedJSON, err := json.Marshal(task.Sanitize())
	if err != nil {
		return false, Internal("marshal sanitized task", err)
	}

	_, err = r.store.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, store.TaskItem(task.ID), taskJSON, 0)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: store.TaskIndexStream(),
			Values: map[string]interface{}{streamDataField: string(sanitizedJSON)},
		})
		pipe.XTrimMaxLenApprox(ctx, store.TaskIndexStream(), r.trimThreshold, 0)
		return nil
	})
	if err != nil {
		return false, StoreUnavailable("persist task blob", err)
	}
	return requeue, nil
}

// deriveFromEvent mutates task in place per the event's payload. Plan is
// applied before status so a status transition referencing the new plan is
// coherent (spec §4.1 "Derivation order"). It returns true when the event
// drove the task back onto the queue (a retryable task.failed).
func deriveFromEvent(task *Task, ev TaskEvent) bool {
	if ev.Payload == nil {
		return false
	}
	if rawPlan, ok := ev.Payload["plan"]; ok {
		if steps, ok := decodePlan(rawPlan); ok {
			task.Plan = steps
		}
	}
	if ev.Type == "task.failed" {
		return applyFailureRetry(task, ev)
	}
	if rawStatus, ok := ev.Payload["status"]; ok {
		if s, ok := rawStatus.(string); ok && IsValidStatus(s) {
			task.Status = TaskStatus(s)
		}
	}
	return false
}

// applyFailureRetry handles a task.failed event. When the payload carries
// retry:true and the task has attempts remaining, it increments Attempt and
// moves the task back to queued instead of failed, signaling the caller to
// re-enqueue it. Once MaxAttempts is exhausted, the task is left failed.
func applyFailureRetry(task *Task, ev TaskEvent) bool {
	retry, _ := ev.Payload["retry"].(bool)
	if !retry {
		task.Status = StatusFailed
		return false
	}
	task.Attempt++
	if task.Attempt >= task.MaxAttempts {
		task.Status = StatusFailed
		return false
	}
	task.Status = StatusQueued
	return true
}

func decodePlan(raw interface{}) ([]PlanStep, bool) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var steps []PlanStep
	if err := json.Unmarshal(b, &steps); err != nil {
		return nil, false
	}
	return steps, true
}

// retiredHistoryCap is the deeper event-history bound applied by
// TrimRetainedHistory to long-completed tasks, well below the live
// STREAM_TRIM_THRESHOLD used while a task is active.
const retiredHistoryCap = 100

// TrimRetainedHistory trims a terminal task's event list and stream down
// to retiredHistoryCap entries. Used by the retention sweeper; never
// called on the required control-flow path, so it has no bearing on the
// testable properties in spec §8.
func (r *Repository) TrimRetainedHistory(ctx context.Context, taskID string) error {
	ctx, cancel := r.store.WithDeadline(ctx)
	defer cancel()

	pipe := r.store.Client.TxPipeline()
	pipe.LTrim(ctx, store.TaskEventsList(taskID), -retiredHistoryCap, -1)
	pipe.XTrimMaxLenApprox(ctx, store.TaskEventsStream(taskID), retiredHistoryCap, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return StoreUnavailable("trim retained history", err)
	}
	return nil
}

// Snapshot returns a consistent {task, events, cursor} view: the events
// are the full retained (possibly trimmed) list, and cursor is a point
// strictly >= the last included event.
func (r *Repository) Snapshot(ctx context.Context, taskID string) (Snapshot, error) {
	ctx, cancel := r.store.WithDeadline(ctx)
	defer cancel()

	task, err := r.getTask(ctx, taskID)
	if err != nil {
		return Snapshot{}, err
	}

	raws, err := r.store.Client.LRange(ctx, store.TaskEventsList(taskID), 0, -1).Result()
	if err != nil {
		return Snapshot{}, StoreUnavailable("list task events", err)
	}
	events := make([]TaskEvent, 0, len(raws))
	for _, raw := range raws {
		var ev TaskEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	cursor := "0-0"
	if last, err := r.store.Client.XRevRangeN(ctx, store.TaskEventsStream(taskID), "+", "-", 1).Result(); err == nil && len(last) > 0 {
		cursor = last[0].ID
	}

	return Snapshot{Task: task.Sanitize(), Events: events, Cursor: cursor}, nil
}

// TailTask performs a blocking read on the per-task stream, returning
// strictly-later entries than cursor. Returns an empty batch on timeout.
func (r *Repository) TailTask(ctx context.Context, taskID, cursor string, block time.Duration, maxCount int64) ([]TaskEvent, string, error) {
	return tailStream(ctx, r.store.Client, store.TaskEventsStream(taskID), cursor, block, maxCount, func(raw string) (TaskEvent, error) {
		var ev TaskEvent
		err := json.Unmarshal([]byte(raw), &ev)
		return ev, err
	})
}

// TailIndex performs a blocking read on the global task-index stream.
func (r *Repository) TailIndex(ctx context.Context, cursor string, block time.Duration, maxCount int64) ([]Task, string, error) {
	return tailStream(ctx, r.store.Client, store.TaskIndexStream(), cursor, block, maxCount, func(raw string) (Task, error) {
		var t Task
		err := json.Unmarshal([]byte(raw), &t)
		return t, err
	})
}

// tailStream is the shared blocking-XREAD implementation used by both
// TailTask and TailIndex; T is instantiated with TaskEvent or Task. It is
// a free function (not a method) because Go methods cannot carry their
// own type parameters.
func tailStream[T any](ctx context.Context, client *redis.Client, key, cursor string, block time.Duration, maxCount int64, decode func(string) (T, error)) ([]T, string, error) {
	if cursor == "" {
		cursor = "0-0"
	}
	res, err := client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, cursor},
		Count:   maxCount,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, cursor, nil // timeout: empty batch
	}
	if err != nil {
		return nil, cursor, StoreUnavailable("tail stream", err)
	}

	var out []T
	newCursor := cursor
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			raw, ok := msg.Values[streamDataField].(string)
			if !ok {
				continue
			}
			decoded, err := decode(raw)
			if err != nil {
				continue
			}
			out = append(out, decoded)
			newCursor = msg.ID
		}
	}
	return out, newCursor, nil
}
