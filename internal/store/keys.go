package store

import "fmt"

// Key naming follows the persisted-key convention named in the control
// plane's external interface contract: a "tasks:" namespace holding the
// task index set, per-task blobs, per-task snapshot-replay lists, per-task
// and global streams, the FIFO queue and its dedup set, and the lease
// table.

// TaskIndexSet is the set of all task IDs.
func TaskIndexSet() string { return "tasks:index" }

// TaskItem is the serialized Task blob for id (includes worker-only
// fields; stripped before it reaches an API response).
func TaskItem(id string) string { return fmt.Sprintf("tasks:item:%s", id) }

// TaskEventsList is the bounded append-only list of event JSON used for
// snapshot replay.
func TaskEventsList(id string) string { return fmt.Sprintf("tasks:events:%s", id) }

// TaskEventsStream is the per-task stream with monotonic IDs, used for
// live tailing.
func TaskEventsStream(id string) string { return fmt.Sprintf("tasks:events_stream:%s", id) }

// TaskIndexStream is the single global task-index stream.
func TaskIndexStream() string { return "tasks:index:stream" }

// Queue is the FIFO list of pending task IDs.
func Queue() string { return "tasks:queue" }

// QueuePending is the dedup set backing the FIFO.
func QueuePending() string { return "tasks:queue:pending" }

// Leases is the hash of taskId -> lease JSON.
func Leases() string { return "tasks:leases" }

// LeaseExpirations is the sorted-set of taskId scored by expiry ms-epoch.
func LeaseExpirations() string { return "tasks:lease_expirations" }
