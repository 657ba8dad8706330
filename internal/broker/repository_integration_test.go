//go:build integration

package broker_test

import (
	"context"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/basket/taskbroker/internal/broker"
	"github.com/basket/taskbroker/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	st, err := store.Open(connStr, 5*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// TestCreate_EmitsSingleTaskCreatedEvent covers property 6: Create(input)
// produces a task whose Snapshot contains exactly one task.created event
// whose payload's title matches input.
func TestCreate_EmitsSingleTaskCreatedEvent(t *testing.T) {
	st := newTestStore(t)
	repo := broker.NewRepository(st, 2000, nil, nil, nil)
	ctx := context.Background()

	task, err := repo.Create(ctx, broker.CreateTaskInput{Title: "Add readme"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != broker.StatusQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}

	snap, err := repo.Snapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(snap.Events))
	}
	if snap.Events[0].Type != "task.created" {
		t.Fatalf("expected task.created, got %s", snap.Events[0].Type)
	}
	if snap.Events[0].Payload["title"] != "Add readme" {
		t.Fatalf("expected title to match input, got %v", snap.Events[0].Payload["title"])
	}
}

// TestAppendEvent_S1CreateClaimComplete walks scenario S1 end-to-end
// through the repository's event-driven status derivation.
func TestAppendEvent_S1CreateClaimComplete(t *testing.T) {
	st := newTestStore(t)
	repo := broker.NewRepository(st, 2000, nil, nil, nil)
	ctx := context.Background()

	task, err := repo.Create(ctx, broker.CreateTaskInput{
		Title:   "Add readme",
		RepoURL: "https://github.com/acme/x",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := repo.AppendEvent(ctx, task.ID, broker.TaskEvent{
		Type:    "task.updated",
		Payload: map[string]interface{}{"status": "planning"},
	}); err != nil {
		t.Fatalf("AppendEvent planning: %v", err)
	}
	snap, err := repo.Snapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Task.Status != broker.StatusPlanning {
		t.Fatalf("expected planning, got %s", snap.Task.Status)
	}

	if _, err := repo.AppendEvent(ctx, task.ID, broker.TaskEvent{
		Type:    "task.completed",
		Payload: map[string]interface{}{"status": "completed", "summary": "ok"},
	}); err != nil {
		t.Fatalf("AppendEvent completed: %v", err)
	}
	snap, err = repo.Snapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Task.Status != broker.StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Task.Status)
	}
}

// TestSnapshotCursor_TailsOnlyStrictlyLaterEvents covers property 5.
func TestSnapshotCursor_TailsOnlyStrictlyLaterEvents(t *testing.T) {
	st := newTestStore(t)
	repo := broker.NewRepository(st, 2000, nil, nil, nil)
	ctx := context.Background()

	task, err := repo.Create(ctx, broker.CreateTaskInput{Title: "Add readme"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap, err := repo.Snapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	events, _, err := repo.TailTask(ctx, task.ID, snap.Cursor, 200*time.Millisecond, 50)
	if err != nil {
		t.Fatalf("TailTask: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no new events before a new append, got %d", len(events))
	}

	if _, err := repo.AppendEvent(ctx, task.ID, broker.TaskEvent{Type: "log.entry", Payload: map[string]interface{}{"line": "hello"}}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	events, _, err = repo.TailTask(ctx, task.ID, snap.Cursor, 200*time.Millisecond, 50)
	if err != nil {
		t.Fatalf("TailTask: %v", err)
	}
	if len(events) != 1 || events[0].Type != "log.entry" {
		t.Fatalf("expected exactly the new log.entry event, got %+v", events)
	}
}

// TestTailTask_TimesOutWithEmptyBatch ensures the blocking read honors the
// "return empty on timeout so the caller can loop" contract (spec §4.3).
func TestTailTask_TimesOutWithEmptyBatch(t *testing.T) {
	st := newTestStore(t)
	repo := broker.NewRepository(st, 2000, nil, nil, nil)
	ctx := context.Background()

	task, err := repo.Create(ctx, broker.CreateTaskInput{Title: "Add readme"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap, err := repo.Snapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	start := time.Now()
	events, cursor, err := repo.TailTask(ctx, task.ID, snap.Cursor, 300*time.Millisecond, 50)
	if err != nil {
		t.Fatalf("TailTask: %v", err)
	}
	if time.Since(start) < 250*time.Millisecond {
		t.Fatalf("expected TailTask to block for roughly the requested duration")
	}
	if len(events) != 0 || cursor != snap.Cursor {
		t.Fatalf("expected empty batch with unchanged cursor, got events=%v cursor=%s", events, cursor)
	}
}

// TestList_SortedByCreatedAtDescending exercises List().
func TestList_SortedByCreatedAtDescending(t *testing.T) {
	st := newTestStore(t)
	repo := broker.NewRepository(st, 2000, nil, nil, nil)
	ctx := context.Background()

	first, err := repo.Create(ctx, broker.CreateTaskInput{Title: "First task"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := repo.Create(ctx, broker.CreateTaskInput{Title: "Second task"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tasks, err := repo.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != second.ID || tasks[1].ID != first.ID {
		t.Fatalf("expected newest first, got %s then %s", tasks[0].ID, tasks[1].ID)
	}
	if tasks[0].Input != "" {
		t.Fatalf("expected List to return sanitized tasks")
	}
}

func TestGet_NotFound(t *testing.T) {
	st := newTestStore(t)
	repo := broker.NewRepository(st, 2000, nil, nil, nil)
	_, err := repo.Get(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected NotFound error")
	}
	if broker.KindOf(err) != broker.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", broker.KindOf(err))
	}
}
