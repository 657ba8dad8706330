package broker

import "testing"

func TestDeriveFromEvent_PlanBeforeStatus(t *testing.T) {
	task := &Task{Status: StatusQueued}
	ev := TaskEvent{
		Type: "task.updated",
		Payload: map[string]interface{}{
			"plan": []interface{}{
				map[string]interface{}{"id": "s1", "title": "Read", "status": "pending"},
			},
			"status": "executing",
		},
	}
	deriveFromEvent(task, ev)

	if len(task.Plan) != 1 || task.Plan[0].ID != "s1" {
		t.Fatalf("expected plan to be derived, got %+v", task.Plan)
	}
	if task.Status != StatusExecuting {
		t.Fatalf("expected status executing, got %s", task.Status)
	}
}

func TestDeriveFromEvent_IgnoresInvalidStatus(t *testing.T) {
	task := &Task{Status: StatusQueued}
	ev := TaskEvent{Payload: map[string]interface{}{"status": "bogus"}}
	deriveFromEvent(task, ev)
	if task.Status != StatusQueued {
		t.Fatalf("expected status to remain queued, got %s", task.Status)
	}
}

func TestDeriveFromEvent_PlanUpdateDoesNotClobberOnLaterStatusOnlyEvent(t *testing.T) {
	// Mirrors S5: a plan.updated event sets the plan; a subsequent
	// task.updated event carrying only status must not erase it.
	task := &Task{Status: StatusQueued}
	deriveFromEvent(task, TaskEvent{
		Type: "plan.updated",
		Payload: map[string]interface{}{
			"plan": []interface{}{
				map[string]interface{}{"id": "s1", "title": "Read", "status": "pending"},
			},
		},
	})
	deriveFromEvent(task, TaskEvent{
		Type:    "task.updated",
		Payload: map[string]interface{}{"status": "executing"},
	})
	if len(task.Plan) != 1 {
		t.Fatalf("expected plan to survive a status-only update, got %+v", task.Plan)
	}
	if task.Status != StatusExecuting {
		t.Fatalf("expected status executing, got %s", task.Status)
	}
}

func TestDeriveFromEvent_NilPayloadNoOp(t *testing.T) {
	task := &Task{Status: StatusQueued, Plan: []PlanStep{{ID: "keep"}}}
	deriveFromEvent(task, TaskEvent{Type: "log.entry"})
	if task.Status != StatusQueued || len(task.Plan) != 1 {
		t.Fatalf("expected no mutation on nil payload, got status=%s plan=%+v", task.Status, task.Plan)
	}
}

func TestDeriveFromEvent_FailedWithRetrySetsQueuedAndIncrementsAttempt(t *testing.T) {
	task := &Task{Status: StatusExecuting, Attempt: 0, MaxAttempts: 3}
	requeued := deriveFromEvent(task, TaskEvent{
		Type:    "task.failed",
		Payload: map[string]interface{}{"retry": true},
	})
	if !requeued {
		t.Fatal("expected requeued=true")
	}
	if task.Attempt != 1 {
		t.Fatalf("expected Attempt=1, got %d", task.Attempt)
	}
	if task.Status != StatusQueued {
		t.Fatalf("expected status queued, got %s", task.Status)
	}
}

func TestDeriveFromEvent_FailedWithRetryExhaustsMaxAttempts(t *testing.T) {
	task := &Task{Status: StatusExecuting, Attempt: 2, MaxAttempts: 3}
	requeued := deriveFromEvent(task, TaskEvent{
		Type:    "task.failed",
		Payload: map[string]interface{}{"retry": true},
	})
	if requeued {
		t.Fatal("expected requeued=false once MaxAttempts is exhausted")
	}
	if task.Attempt != 3 {
		t.Fatalf("expected Attempt=3, got %d", task.Attempt)
	}
	if task.Status != StatusFailed {
		t.Fatalf("expected status failed, got %s", task.Status)
	}
}

func TestDeriveFromEvent_FailedWithoutRetryStaysFailed(t *testing.T) {
	task := &Task{Status: StatusExecuting, Attempt: 0, MaxAttempts: 3}
	requeued := deriveFromEvent(task, TaskEvent{
		Type:    "task.failed",
		Payload: map[string]interface{}{},
	})
	if requeued {
		t.Fatal("expected requeued=false without retry:true")
	}
	if task.Attempt != 0 {
		t.Fatalf("expected Attempt unchanged, got %d", task.Attempt)
	}
	if task.Status != StatusFailed {
		t.Fatalf("expected status failed, got %s", task.Status)
	}
}
