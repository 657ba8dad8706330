// Command lease_recovery_crash drills the worker-crash recovery path: a
// worker claims a task and never acks it, and a second process must observe
// the lease expire and the task return to the queue for another worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/taskbroker/internal/broker"
	"github.com/basket/taskbroker/internal/queue"
	"github.com/basket/taskbroker/internal/store"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	storeURL := flag.String("store", "", "redis connection URL")
	taskID := flag.String("task", "", "task ID (required for claim-sleep and recover)")
	leaseMS := flag.Int64("lease-ms", 2000, "lease TTL in milliseconds")
	flag.Parse()

	if *mode == "" || *storeURL == "" {
		fmt.Fprintln(os.Stderr, "mode and store are required")
		os.Exit(2)
	}

	ctx := context.Background()
	st, err := store.Open(*storeURL, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	repo := broker.NewRepository(st, 2000, nil, nil, nil)
	q := queue.NewQueue(st, repo, *leaseMS, nil, nil, nil)

	switch *mode {
	case "prepare":
		task, err := repo.Create(ctx, broker.CreateTaskInput{Title: "lease-crash drill"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			os.Exit(1)
		}
		if err := q.Enqueue(ctx, task.ID); err != nil {
			fmt.Fprintf(os.Stderr, "enqueue task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)

	case "claim-sleep":
		result, err := q.Claim(ctx, "crashing-worker", 5*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		if result == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", result.Task.ID)
		fmt.Println("LEASE_OWNER=crashing-worker")
		// Simulate a crash: never Ack, never ExtendLease. Just hang until killed.
		for {
			time.Sleep(1 * time.Second)
		}

	case "recover":
		if *taskID == "" {
			fmt.Fprintln(os.Stderr, "task is required for recover mode")
			os.Exit(2)
		}
		reclaimed, err := q.RequeueLeases(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "requeue leases: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECLAIMED=%d\n", reclaimed)

		result, err := q.Claim(ctx, "recovery-worker", 2*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim after reclaim: %v\n", err)
			os.Exit(1)
		}
		if result == nil || result.Task.ID != *taskID {
			fmt.Printf("VERDICT FAIL — expected to reclaim task %s, got %+v\n", *taskID, result)
			os.Exit(1)
		}
		fmt.Printf("TASK_STATUS id=%s status=%s\n", result.Task.ID, result.Task.Status)
		fmt.Println("VERDICT PASS")

	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
