// Package pipeline orchestrates batch runs across crawler units: a bounded
// worker pool, per-unit outcome records folded into an aggregate run, and
// item events handed to the outbox.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/executor"
	"github.com/regintel/crawl-engine/internal/metrics"
	"github.com/regintel/crawl-engine/internal/outbox"
)

// Target is one unit the orchestrator runs in a batch, with the execution
// context it should run under.
type Target struct {
	CrawlerName string
	SourceID    string
	Payload     engine.Payload
	Retry       engine.RetryConfig
}

// Config tunes pipeline behavior.
type Config struct {
	Concurrency   int
	QuickMaxItems int
	Topic         string
}

// Orchestrator runs batches of crawler units and records the aggregate.
type Orchestrator struct {
	targets   []Target
	exec      *executor.Executor
	recorder  engine.RunRecorder
	publisher engine.Publisher
	hasher    engine.Hasher
	clock     engine.Clock
	idGen     engine.IDGenerator
	cfg       Config
	logger    *zap.Logger

	// wg tracks launched background runs so shutdown can drain them.
	wg sync.WaitGroup
}

// New constructs an Orchestrator over the given targets.
func New(
	targets []Target,
	exec *executor.Executor,
	recorder engine.RunRecorder,
	publisher engine.Publisher,
	hasher engine.Hasher,
	clock engine.Clock,
	idGen engine.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QuickMaxItems <= 0 {
		cfg.QuickMaxItems = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		targets:   targets,
		exec:      exec,
		recorder:  recorder,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes every configured target and blocks until the batch is
// terminal. Quick runs cap each unit's item count so every source gets a
// cheap liveness probe.
func (o *Orchestrator) Run(ctx context.Context, runType engine.PipelineRunType) (engine.PipelineRun, error) {
	run, err := o.begin(ctx, runType, len(o.targets))
	if err != nil {
		return engine.PipelineRun{}, err
	}
	return o.execute(ctx, run, o.targets)
}

// Launch starts a batch in the background and returns the running record
// immediately. The batch keeps running on ctx; cancel it to abort.
func (o *Orchestrator) Launch(ctx context.Context, runType engine.PipelineRunType) (engine.PipelineRun, error) {
	run, err := o.begin(ctx, runType, len(o.targets))
	if err != nil {
		return engine.PipelineRun{}, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.execute(ctx, run, o.targets); err != nil {
			o.logger.Error("pipeline run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	return run, nil
}

// RunTargets executes an explicit target list, blocking until terminal. Used
// for single-unit replays.
func (o *Orchestrator) RunTargets(ctx context.Context, runType engine.PipelineRunType, targets []Target) (engine.PipelineRun, error) {
	run, err := o.begin(ctx, runType, len(targets))
	if err != nil {
		return engine.PipelineRun{}, err
	}
	return o.execute(ctx, run, targets)
}

// LaunchTargets starts an explicit target list in the background and returns
// the running record immediately.
func (o *Orchestrator) LaunchTargets(ctx context.Context, runType engine.PipelineRunType, targets []Target) (engine.PipelineRun, error) {
	run, err := o.begin(ctx, runType, len(targets))
	if err != nil {
		return engine.PipelineRun{}, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.execute(ctx, run, targets); err != nil {
			o.logger.Error("pipeline run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	return run, nil
}

// Wait blocks until all launched background runs have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) begin(ctx context.Context, runType engine.PipelineRunType, total int) (engine.PipelineRun, error) {
	runID, err := o.idGen.NewID()
	if err != nil {
		return engine.PipelineRun{}, fmt.Errorf("generating pipeline run id: %w", err)
	}
	run := engine.PipelineRun{
		ID:            runID,
		RunType:       runType,
		Status:        engine.PipelineStatusRunning,
		TotalCrawlers: total,
		StartedAt:     o.clock.Now(),
	}
	if err := o.recorder.CreatePipelineRun(ctx, run); err != nil {
		return engine.PipelineRun{}, fmt.Errorf("recording pipeline start: %w", err)
	}
	o.logger.Info("pipeline run started",
		zap.String("run_id", runID),
		zap.String("run_type", string(runType)),
		zap.Int("total_crawlers", total))
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run engine.PipelineRun, targets []Target) (engine.PipelineRun, error) {
	quick := run.RunType == engine.PipelineRunQuick

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successful int
		failed     int
		articles   int
	)
	sem := make(chan struct{}, o.cfg.Concurrency)

	for _, target := range targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				// Never started; record it as skipped so the aggregate is honest.
				o.recordSkipped(run.ID, target)
				return
			}
			if ctx.Err() != nil {
				o.recordSkipped(run.ID, target)
				return
			}

			detail, result := o.runTarget(ctx, run.ID, target, quick)

			mu.Lock()
			if detail.Status == engine.RunStatusSuccess {
				successful++
				articles += detail.ResultCount
			} else {
				failed++
			}
			mu.Unlock()

			if detail.Status == engine.RunStatusSuccess {
				o.emitItems(ctx, target.CrawlerName, result.Items)
			}
		}(target)
	}
	wg.Wait()

	finished := o.clock.Now()
	status := engine.DerivePipelineStatus(successful, failed)
	errMsg := ""
	if ctx.Err() != nil {
		errMsg = "canceled before completion"
		if successful == 0 && failed == 0 {
			status = engine.PipelineStatusFailed
		}
	}

	finalizeCtx := ctx
	if ctx.Err() != nil {
		finalizeCtx = context.Background()
	}
	if err := o.recorder.FinalizePipelineRun(finalizeCtx, run.ID, status, finished, errMsg); err != nil {
		return run, fmt.Errorf("finalizing pipeline run: %w", err)
	}

	run.Status = status
	run.SuccessfulCrawlers = successful
	run.FailedCrawlers = failed
	run.TotalArticles = articles
	run.FinishedAt = &finished
	run.ErrorMessage = errMsg

	metrics.PipelineCompleted(string(run.RunType), string(status), finished.Sub(run.StartedAt))
	o.logger.Info("pipeline run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("successful", successful),
		zap.Int("failed", failed),
		zap.Int("articles", articles))
	return run, nil
}

// runTarget executes one unit and appends its outcome record. Store errors
// are logged but never fail the batch.
func (o *Orchestrator) runTarget(ctx context.Context, runID string, target Target, quick bool) (engine.PipelineRunDetail, engine.ExecutionResult) {
	detailID, err := o.idGen.NewID()
	if err != nil {
		o.logger.Error("generating detail id failed", zap.Error(err))
		detailID = target.CrawlerName
	}

	payload := target.Payload.Clone()
	if quick {
		payload = payload.Merge(engine.Payload{"max_items": o.cfg.QuickMaxItems})
	}

	metrics.IncUnitsInFlight()
	started := o.clock.Now()
	result := o.exec.Execute(ctx, executor.ScopePipeline, detailID, target.CrawlerName, payload, target.Retry)
	finished := o.clock.Now()
	metrics.DecUnitsInFlight()

	detail := engine.PipelineRunDetail{
		ID:            detailID,
		RunID:         runID,
		CrawlerName:   target.CrawlerName,
		SourceID:      target.SourceID,
		Status:        result.Status,
		StartedAt:     &started,
		FinishedAt:    &finished,
		ResultCount:   result.ResultCount,
		DurationMs:    result.DurationMs,
		AttemptNumber: result.Attempts,
		MaxAttempts:   target.Retry.MaxAttempts,
		ErrorType:     result.ErrorType,
		ErrorMessage:  result.ErrorMessage,
		LogPath:       result.LogPath,
		ConfigSnapshot: engine.ConfigSnapshot{
			Payload:     payload,
			RetryConfig: target.Retry,
			SourceID:    target.SourceID,
		},
	}
	if err := o.recorder.AppendDetail(ctx, detail); err != nil {
		o.logger.Error("recording pipeline detail failed",
			zap.String("run_id", runID),
			zap.String("crawler", target.CrawlerName),
			zap.Error(err))
	}
	return detail, result
}

func (o *Orchestrator) recordSkipped(runID string, target Target) {
	detailID, err := o.idGen.NewID()
	if err != nil {
		detailID = target.CrawlerName
	}
	detail := engine.PipelineRunDetail{
		ID:          detailID,
		RunID:       runID,
		CrawlerName: target.CrawlerName,
		SourceID:    target.SourceID,
		Status:      engine.RunStatusSkipped,
		ConfigSnapshot: engine.ConfigSnapshot{
			Payload:     target.Payload.Clone(),
			RetryConfig: target.Retry,
			SourceID:    target.SourceID,
		},
	}
	// The run context is gone; use a fresh one so the record still lands.
	if err := o.recorder.AppendDetail(context.Background(), detail); err != nil {
		o.logger.Error("recording skipped detail failed",
			zap.String("run_id", runID),
			zap.String("crawler", target.CrawlerName),
			zap.Error(err))
	}
}

// emitItems hands collected items to the outbox. Delivery is at-least-once;
// a publish failure is logged and counted, never retried here.
func (o *Orchestrator) emitItems(ctx context.Context, crawlerName string, items []engine.Item) {
	if o.publisher == nil {
		return
	}
	for _, item := range items {
		content := item.RawPayload
		if len(content) == 0 {
			content = []byte(item.SourceURL)
		}
		hash, err := o.hasher.Hash(content)
		if err != nil {
			o.logger.Error("hashing item failed", zap.String("crawler", crawlerName), zap.Error(err))
			metrics.OutboxEvent("failed")
			continue
		}
		event := outbox.ItemEvent{
			SourceURL:   item.SourceURL,
			ContentHash: hash,
			RawPayload:  item.RawPayload,
			CrawlerName: crawlerName,
			CollectedAt: item.CollectedAt,
		}
		if _, err := o.publisher.Publish(ctx, o.cfg.Topic, event); err != nil {
			o.logger.Error("publishing item event failed",
				zap.String("crawler", crawlerName),
				zap.String("source_url", item.SourceURL),
				zap.Error(err))
			metrics.OutboxEvent("failed")
			continue
		}
		metrics.OutboxEvent("published")
	}
}
