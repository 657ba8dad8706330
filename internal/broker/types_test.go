package broker

import "testing"

func TestIsValidStatus(t *testing.T) {
	cases := map[string]bool{
		"queued":             true,
		"planning":           true,
		"executing":          true,
		"awaiting_approval":  true,
		"paused":             true,
		"completed":          true,
		"failed":             true,
		"bogus":              false,
		"":                   false,
	}
	for status, want := range cases {
		if got := IsValidStatus(status); got != want {
			t.Errorf("IsValidStatus(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []TaskStatus{StatusQueued, StatusPlanning, StatusExecuting, StatusAwaitingApproval, StatusPaused}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestIsKnownEventType(t *testing.T) {
	known := []string{
		"task.created", "task.updated", "task.completed", "task.failed",
		"task.awaiting_approval", "task.approval_resolved",
		"task.artifact_generated", "task.file_updated",
		"plan.updated", "plan.step_started", "plan.step_completed", "log.entry",
	}
	for _, ty := range known {
		if !IsKnownEventType(ty) {
			t.Errorf("expected %q to be a known event type", ty)
		}
	}
	if IsKnownEventType("task.bogus") {
		t.Error("expected task.bogus to be unknown")
	}
}

func TestTask_Sanitize_StripsWorkerOnlyFields(t *testing.T) {
	task := Task{
		ID:             "t1",
		Input:          "secret prompt",
		LatestStreamID: "1234-0",
	}
	sanitized := task.Sanitize()
	if sanitized.Input != "" {
		t.Errorf("expected Input to be stripped, got %q", sanitized.Input)
	}
	if sanitized.LatestStreamID != "" {
		t.Errorf("expected LatestStreamID to be stripped, got %q", sanitized.LatestStreamID)
	}
	if sanitized.ID != "t1" {
		t.Errorf("expected ID to survive sanitization, got %q", sanitized.ID)
	}
	// Original is untouched (Sanitize takes Task by value).
	if task.Input == "" {
		t.Error("expected original task to be unmodified")
	}
}
