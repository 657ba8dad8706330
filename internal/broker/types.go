// Package broker implements the Task Repository: the durable Task and
// TaskEvent data model, status derivation from event payloads, and the
// per-task and global index event streams.
package broker

import "time"

// TaskStatus is the derived lifecycle state of a Task.
type TaskStatus string

const (
	StatusQueued           TaskStatus = "queued"
	StatusPlanning         TaskStatus = "planning"
	StatusExecuting        TaskStatus = "executing"
	StatusAwaitingApproval TaskStatus = "awaiting_approval"
	StatusPaused           TaskStatus = "paused"
	StatusCompleted        TaskStatus = "completed"
	StatusFailed           TaskStatus = "failed"
)

// validStatuses is the closed set a status payload value must belong to
// before it is accepted as a derived task status (spec §4.1 AppendEvent).
var validStatuses = map[TaskStatus]bool{
	StatusQueued:           true,
	StatusPlanning:         true,
	StatusExecuting:        true,
	StatusAwaitingApproval: true,
	StatusPaused:           true,
	StatusCompleted:        true,
	StatusFailed:           true,
}

// IsValidStatus reports whether s belongs to the closed status set.
func IsValidStatus(s string) bool {
	return validStatuses[TaskStatus(s)]
}

// IsTerminal reports whether status is a terminal state of the task
// lifecycle (completed, failed).
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PlanStepStatus is the lifecycle state of one PlanStep.
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
	PlanStepFailed     PlanStepStatus = "failed"
)

// PlanStep is one step of an evolving execution plan. The entire slice is
// overwritten wholesale whenever a plan.updated event arrives.
type PlanStep struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Status      PlanStepStatus `json:"status"`
	Summary     string         `json:"summary,omitempty"`
	StartedAt   *int64         `json:"startedAt,omitempty"`
	CompletedAt *int64         `json:"completedAt,omitempty"`
}

// Task is the unit of agent work. Direct status writes are forbidden —
// status is always derived from the last event carrying a valid status
// payload (see DeriveFromEvent).
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	RepoURL        string     `json:"repoUrl,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	BaseBranch     string     `json:"baseBranch,omitempty"`
	Constraints    []string   `json:"constraints,omitempty"`
	Status         TaskStatus `json:"status"`
	Plan           []PlanStep `json:"plan"`
	CreatedAt      int64      `json:"createdAt"`
	UpdatedAt      int64      `json:"updatedAt"`
	Assignee       string     `json:"assignee,omitempty"`
	LatestEventID  string     `json:"latestEventId,omitempty"`
	RiskScore      float64    `json:"riskScore"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"maxAttempts"`
	ParentTaskID   string     `json:"parentTaskId,omitempty"`

	// Worker-only fields. Stripped from API responses by Sanitize.
	Input          string `json:"input,omitempty"`
	LatestStreamID string `json:"latestStreamId,omitempty"`
}

// Sanitize returns a copy of t with worker-only fields cleared, suitable
// for API responses and the global task-index stream.
func (t Task) Sanitize() Task {
	t.Input = ""
	t.LatestStreamID = ""
	return t
}

// TaskEvent is an immutable append to a task's log. Never mutated or
// deleted; may be trimmed by retention.
type TaskEvent struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"taskId"`
	Type      string                 `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// eventTypes is the closed taxonomy from spec §6.
var eventTypes = map[string]bool{
	"task.created":             true,
	"task.updated":             true,
	"task.completed":           true,
	"task.failed":              true,
	"task.awaiting_approval":   true,
	"task.approval_resolved":   true,
	"task.artifact_generated":  true,
	"task.file_updated":        true,
	"plan.updated":             true,
	"plan.step_started":        true,
	"plan.step_completed":      true,
	"log.entry":                true,
}

// IsKnownEventType reports whether t belongs to the closed event taxonomy.
func IsKnownEventType(t string) bool {
	return eventTypes[t]
}

// CreateTaskInput is the body of POST /tasks.
type CreateTaskInput struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	RepoURL      string   `json:"repoUrl,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	BaseBranch   string   `json:"baseBranch,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
	ParentTaskID string   `json:"parentTaskId,omitempty"`
}

// Snapshot is the point-in-time {task, events, cursor} view returned to a
// new subscriber.
type Snapshot struct {
	Task   Task        `json:"task"`
	Events []TaskEvent `json:"events"`
	Cursor string      `json:"cursor"`
}

// nowMillis returns the current server time as ms-epoch. Tests inject a
// fixed clock through Repository.Clock instead of calling time.Now directly.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
