// Package retention supplies the operator-driven retention sweep spec §3
// mentions without naming a mechanism. It is additive: nothing in the
// required control flow or the testable properties depends on it running.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskbroker/internal/broker"
	"github.com/basket/taskbroker/internal/store"
)

// cronParser parses standard 5-field cron expressions, the same parser
// shape the teacher's scheduler used for "fire due cron schedules",
// repurposed here for "sweep retired tasks".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and policy for the retention sweep.
type Config struct {
	Repo     *broker.Repository
	Store    *store.Store
	Logger   *slog.Logger
	CronExpr string        // e.g. "0 3 * * *"; empty disables the sweeper
	MaxAge   time.Duration // tasks completed/failed longer ago than this are swept
}

// Scheduler runs Config.CronExpr against terminal tasks older than MaxAge,
// trimming their retained event history further than the live
// STREAM_TRIM_THRESHOLD bound.
type Scheduler struct {
	cfg      Config
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses cfg.CronExpr and returns a Scheduler, or (nil, nil) if
// retention is disabled (CronExpr is empty).
func New(cfg Config) (*Scheduler, error) {
	if cfg.CronExpr == "" {
		return nil, nil
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	schedule, err := cronParser.Parse(cfg.CronExpr)
	if err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, schedule: schedule}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.cfg.Logger.Info("retention scheduler started", "cron", s.cfg.CronExpr, "max_age", s.cfg.MaxAge)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.cfg.Logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	tasks, err := s.cfg.Repo.List(ctx, "")
	if err != nil {
		s.cfg.Logger.Error("retention: list tasks failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.cfg.MaxAge).UnixMilli()
	var swept int
	for _, task := range tasks {
		if !task.Status.IsTerminal() || task.UpdatedAt > cutoff {
			continue
		}
		if err := s.cfg.Repo.TrimRetainedHistory(ctx, task.ID); err != nil {
			s.cfg.Logger.Error("retention: trim failed", "task_id", task.ID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		s.cfg.Logger.Info("retention: swept retired task history", "count", swept)
	}
}
