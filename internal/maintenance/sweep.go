// Package maintenance runs periodic background sweeps: lease/orphan
// recovery, blocker-deadline expiry, and event/blocker retention, on a
// robfig/cron/v3 parser and ticking goroutine that runs a fixed set of
// maintenance passes over Store/Scheduler/BlockerQueue on an interval.
// CodeFRAME has no user-facing cron feature of its own — only the
// ticking-loop idiom is exercised here.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/frankbria/codeframe/internal/blocker"
	"github.com/frankbria/codeframe/internal/scheduler"
	"github.com/frankbria/codeframe/internal/store"
)

// Config holds the sweep's dependencies and tunables. Zero values fall back
// to sane defaults so a caller can pass a mostly-empty Config in tests.
type Config struct {
	Store    *store.Store
	Scheduler *scheduler.Scheduler
	Blockers *blocker.Queue
	Logger   *slog.Logger

	Interval        time.Duration // tick cadence; default 30s
	LeaseGrace      time.Duration // how far past lease_expires_at before reclaim; default 0 (reclaim immediately once expired)
	EventRetention  time.Duration // purge events older than this; default 30 days
	BlockerRetention time.Duration // purge resolved blockers older than this; default 30 days
}

// Sweep runs the maintenance passes on a robfig/cron schedule until Stop is
// called, using a cronlib.Cron instance driving one entry rather than a
// bare time.Ticker — this keeps the interval expressible as a cron spec
// ("@every 30s") if an operator wants to retune cadence via config.
type Sweep struct {
	cfg   Config
	cron  *cronlib.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

func New(cfg Config) *Sweep {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = 30 * 24 * time.Hour
	}
	if cfg.BlockerRetention <= 0 {
		cfg.BlockerRetention = 30 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweep{cfg: cfg}
}

func (sw *Sweep) Start(ctx context.Context) {
	sw.runCtx, sw.cancel = context.WithCancel(ctx)
	sw.cron = cronlib.New(cronlib.WithParser(cronlib.NewParser(
		cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
	)))
	_, err := sw.cron.AddFunc(fmt.Sprintf("@every %s", sw.cfg.Interval), func() {
		sw.RunOnce(sw.runCtx)
	})
	if err != nil {
		sw.cfg.Logger.Error("maintenance sweep schedule invalid", "error", err)
		return
	}
	sw.cron.Start()
	sw.cfg.Logger.Info("maintenance sweep started", "interval", sw.cfg.Interval)
}

func (sw *Sweep) Stop() {
	if sw.cron != nil {
		<-sw.cron.Stop().Done()
	}
	if sw.cancel != nil {
		sw.cancel()
	}
}

// RunOnce executes every sweep pass a single time; exported so callers
// (tests, an operator "run maintenance now" CLI command) don't have to wait
// for a tick.
func (sw *Sweep) RunOnce(ctx context.Context) {
	sw.reclaimExpiredLeases(ctx)
	sw.expireBlockerDeadlines(ctx)
	sw.runRetention(ctx)
}

func (sw *Sweep) reclaimExpiredLeases(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-sw.cfg.LeaseGrace)
	expired, err := sw.cfg.Store.ListExpiredLeases(ctx, cutoff)
	if err != nil {
		sw.cfg.Logger.Error("list expired leases failed", "error", err)
		return
	}
	for _, t := range expired {
		if err := sw.cfg.Scheduler.ReclaimExpiredLease(ctx, t.ID); err != nil {
			sw.cfg.Logger.Warn("reclaim expired lease failed", "task_id", t.ID, "error", err)
			continue
		}
		sw.cfg.Logger.Info("reclaimed expired lease", "task_id", t.ID, "agent_id", t.AssignedTo)
	}
}

func (sw *Sweep) expireBlockerDeadlines(ctx context.Context) {
	if sw.cfg.Blockers == nil {
		return
	}
	now := time.Now().UTC()
	expired, err := sw.cfg.Store.ListExpiredBlockerDeadlines(ctx, now)
	if err != nil {
		sw.cfg.Logger.Error("list expired blocker deadlines failed", "error", err)
		return
	}
	for _, b := range expired {
		if err := sw.cfg.Blockers.ExpireDeadline(ctx, b.ID); err != nil {
			sw.cfg.Logger.Warn("expire blocker deadline failed", "blocker_id", b.ID, "error", err)
			continue
		}
		sw.cfg.Logger.Info("blocker deadline expired", "blocker_id", b.ID, "task_id", b.TaskID)
	}
}

func (sw *Sweep) runRetention(ctx context.Context) {
	now := time.Now().UTC()
	if n, err := sw.cfg.Store.PurgeResolvedBlockersOlderThan(ctx, now.Add(-sw.cfg.BlockerRetention)); err != nil {
		sw.cfg.Logger.Error("blocker retention purge failed", "error", err)
	} else if n > 0 {
		sw.cfg.Logger.Info("purged resolved blockers", "count", n)
	}

	// Events are append-only; retention here is an operator-configured
	// deletion of rows past the window, not a contradiction of
	// append-only-ness within it.
	cutoffSeq, err := sw.cfg.Store.SeqBefore(ctx, now.Add(-sw.cfg.EventRetention))
	if err != nil {
		sw.cfg.Logger.Error("resolve event retention cutoff failed", "error", err)
		return
	}
	if cutoffSeq <= 0 {
		return
	}
	if n, err := sw.cfg.Store.PurgeEventsOlderThan(ctx, cutoffSeq); err != nil {
		sw.cfg.Logger.Error("event retention purge failed", "error", err)
	} else if n > 0 {
		sw.cfg.Logger.Info("purged old events", "count", n)
	}
}
