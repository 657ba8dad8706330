// Package audit records a JSONL trail of broker decisions: task creation,
// claims, acks, lease expiry/requeue, and auth rejections.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskbroker/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	TaskID    string `json:"task_id,omitempty"`
	Worker    string `json:"worker,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of "deny" decisions recorded since
// startup (unauthorized claims, rejected acks, auth failures).
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. decision is typically "allow" or "deny";
// action names the operation (e.g. "task.create", "queue.claim",
// "lease.expire", "auth.reject"). taskID and worker may be empty.
func Record(action, decision, taskID, worker, reason string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Decision:  decision,
		TaskID:    taskID,
		Worker:    worker,
		Reason:    reason,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
