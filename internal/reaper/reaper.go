// Package reaper runs the periodic lease-reclaim sweep. Claim already runs
// RequeueLeases inline before every pop; this loop additionally sweeps on a
// fixed interval so that an idle queue (no worker currently blocked in
// Claim) still reclaims expired leases promptly.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskbroker/internal/queue"
)

const minInterval = 5 * time.Second

// Reaper periodically sweeps the lease-expirations sorted-set. Adapted
// from the teacher's cron.Scheduler ticker-loop shape, generalized from
// "fire due cron schedules" to "sweep expired leases".
type Reaper struct {
	q        *queue.Queue
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Reaper. interval defaults to leaseMS/4, floored at 5s.
func New(q *queue.Queue, leaseMS int64, logger *slog.Logger) *Reaper {
	interval := time.Duration(leaseMS/4) * time.Millisecond
	if interval < minInterval {
		interval = minInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{q: q, logger: logger, interval: interval}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("lease reaper started", "interval", r.interval)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("lease reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	reclaimed, err := r.q.RequeueLeases(ctx)
	if err != nil {
		r.logger.Error("lease reaper: sweep failed", "error", err)
		return
	}
	if reclaimed > 0 {
		r.logger.Info("lease reaper: reclaimed expired leases", "count", reclaimed)
	}
}
