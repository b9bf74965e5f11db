// Package scheduler polls for due jobs and dispatches them through the
// executor. Claims use compare-and-swap on next_run_at so concurrent engine
// instances never double-fire a job.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/executor"
	"github.com/regintel/crawl-engine/internal/metrics"
)

// Config tunes the poll loop.
type Config struct {
	PollInterval time.Duration
	BatchLimit   int
}

// Loop is the scheduler poll loop.
type Loop struct {
	store  engine.JobStore
	exec   *executor.Executor
	clock  engine.Clock
	cfg    Config
	logger *zap.Logger

	wg sync.WaitGroup
}

// New constructs a Loop.
func New(store engine.JobStore, exec *executor.Executor, clock engine.Clock, cfg Config, logger *zap.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{store: store, exec: exec, clock: clock, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled, then drains in-flight dispatches.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("scheduler started",
		zap.Duration("poll_interval", l.cfg.PollInterval),
		zap.Int("batch_limit", l.cfg.BatchLimit))

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			l.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick claims and dispatches every currently due job. Exposed so callers can
// force a poll without waiting out the ticker.
func (l *Loop) Tick(ctx context.Context) {
	now := l.clock.Now()
	due, err := l.store.ListDueJobs(ctx, now, l.cfg.BatchLimit)
	if err != nil {
		l.logger.Error("listing due jobs failed", zap.Error(err))
		return
	}

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		l.dispatch(ctx, job, now)
	}
}

// dispatch claims one due job and runs it in the background. A lost claim
// means another instance took the job; that is normal, not an error.
func (l *Loop) dispatch(ctx context.Context, job engine.CrawlerJob, now time.Time) {
	if job.NextRunAt == nil {
		return
	}

	next, err := NextRun(job, now)
	if err != nil {
		l.logger.Error("computing next run failed",
			zap.String("job_id", job.ID),
			zap.String("job_name", job.Name),
			zap.Error(err))
		metrics.ScheduledDispatch("failed")
		return
	}

	// Advancing next_run_at happens at claim time, before execution, so a
	// crashed or failed run never wedges the schedule.
	if err := l.store.ClaimDueJob(ctx, job.ID, *job.NextRunAt, next); err != nil {
		if errors.Is(err, engine.ErrConcurrencyConflict) {
			metrics.ScheduledDispatch("lost_claim")
			return
		}
		l.logger.Error("claiming job failed", zap.String("job_id", job.ID), zap.Error(err))
		metrics.ScheduledDispatch("failed")
		return
	}
	metrics.ScheduledDispatch("dispatched")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runClaimed(ctx, job)
	}()
}

func (l *Loop) runClaimed(ctx context.Context, job engine.CrawlerJob) {
	run, err := l.exec.RunJob(ctx, job, nil)
	status := run.Status
	if err != nil {
		l.logger.Error("job run failed to record",
			zap.String("job_id", job.ID),
			zap.String("job_name", job.Name),
			zap.Error(err))
		if status == "" {
			status = engine.RunStatusFailed
		}
	}

	recordCtx := ctx
	if ctx.Err() != nil {
		recordCtx = context.Background()
	}
	if err := l.store.RecordJobOutcome(recordCtx, job.ID, l.clock.Now(), status); err != nil {
		l.logger.Error("recording job outcome failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	l.logger.Info("scheduled job finished",
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.String("status", string(status)),
		zap.Int("result_count", run.ResultCount))
}

// Wait blocks until all in-flight dispatches are done.
func (l *Loop) Wait() {
	l.wg.Wait()
}
