package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/engine"
)

// Log artifact scopes under the run log root.
const (
	ScopeJobs     = "jobs"
	ScopePipeline = "pipeline"
)

// RunJob executes a job once, recording the run lifecycle in the job store.
// The returned run is terminal. override is merged over the job's stored
// payload; pass nil for a plain run.
func (e *Executor) RunJob(ctx context.Context, job engine.CrawlerJob, override engine.Payload) (engine.CrawlerJobRun, error) {
	runID, err := e.idGen.NewID()
	if err != nil {
		return engine.CrawlerJobRun{}, fmt.Errorf("generating run id: %w", err)
	}

	payload := job.Payload.Merge(override)
	started := e.clock.Now()
	run := engine.CrawlerJobRun{
		ID:              runID,
		JobID:           job.ID,
		Status:          engine.RunStatusRunning,
		StartedAt:       started,
		ExecutedCrawler: job.CrawlerName,
		ParamsSnapshot:  payload,
		PipelineRunID:   e.beginJobMirror(ctx, started),
	}
	if err := e.store.CreateJobRun(ctx, run); err != nil {
		return engine.CrawlerJobRun{}, fmt.Errorf("recording run start: %w", err)
	}

	result := e.Execute(ctx, ScopeJobs, runID, job.CrawlerName, payload, job.RetryConfig)

	finished := e.clock.Now()
	run.Status = result.Status
	run.FinishedAt = &finished
	run.ResultCount = result.ResultCount
	run.DurationMs = result.DurationMs
	run.RetryAttempts = result.Attempts
	run.ErrorType = result.ErrorType
	run.ErrorMessage = result.ErrorMessage
	run.LogPath = result.LogPath

	e.finishJobMirror(ctx, job, payload, run)

	if err := e.store.FinishJobRun(ctx, run); err != nil {
		e.logger.Error("finalizing job run failed",
			zap.String("run_id", runID),
			zap.String("job_id", job.ID),
			zap.Error(err))
		return run, fmt.Errorf("recording run outcome: %w", err)
	}
	return run, nil
}

// beginJobMirror opens a one-detail pipeline run of type job so single-unit
// executions appear in the same run history as batch pipelines. Stores that
// only persist job records skip the mirror.
func (e *Executor) beginJobMirror(ctx context.Context, startedAt time.Time) string {
	recorder, ok := e.store.(engine.RunRecorder)
	if !ok {
		return ""
	}
	id, err := e.idGen.NewID()
	if err != nil {
		e.logger.Warn("generating mirror run id failed", zap.Error(err))
		return ""
	}
	err = recorder.CreatePipelineRun(ctx, engine.PipelineRun{
		ID:            id,
		RunType:       engine.PipelineRunJob,
		Status:        engine.PipelineStatusRunning,
		TotalCrawlers: 1,
		StartedAt:     startedAt,
	})
	if err != nil {
		e.logger.Warn("recording mirror pipeline run failed", zap.Error(err))
		return ""
	}
	return id
}

// finishJobMirror appends the single detail and finalizes the mirror run.
// Mirror failures are logged, never surfaced: the CrawlerJobRun row is the
// authoritative record.
func (e *Executor) finishJobMirror(ctx context.Context, job engine.CrawlerJob, payload engine.Payload, run engine.CrawlerJobRun) {
	if run.PipelineRunID == "" {
		return
	}
	recorder, ok := e.store.(engine.RunRecorder)
	if !ok {
		return
	}
	detailID, err := e.idGen.NewID()
	if err != nil {
		e.logger.Warn("generating mirror detail id failed", zap.Error(err))
		return
	}
	retry := job.RetryConfig.WithDefaults(e.cfg.Retry)
	startedAt := run.StartedAt
	detail := engine.PipelineRunDetail{
		ID:            detailID,
		RunID:         run.PipelineRunID,
		CrawlerName:   job.CrawlerName,
		SourceID:      job.SourceID,
		Status:        run.Status,
		StartedAt:     &startedAt,
		FinishedAt:    run.FinishedAt,
		ResultCount:   run.ResultCount,
		DurationMs:    run.DurationMs,
		AttemptNumber: run.RetryAttempts,
		MaxAttempts:   retry.MaxAttempts,
		ErrorType:     run.ErrorType,
		ErrorMessage:  run.ErrorMessage,
		LogPath:       run.LogPath,
		ConfigSnapshot: engine.ConfigSnapshot{
			Payload:     payload,
			RetryConfig: retry,
			SourceID:    job.SourceID,
		},
	}
	if err := recorder.AppendDetail(ctx, detail); err != nil {
		e.logger.Warn("appending mirror detail failed",
			zap.String("pipeline_run_id", run.PipelineRunID),
			zap.Error(err))
		return
	}

	successful, failed := 0, 1
	if run.Status == engine.RunStatusSuccess {
		successful, failed = 1, 0
	}
	status := engine.DerivePipelineStatus(successful, failed)
	var finishedAt time.Time
	if run.FinishedAt != nil {
		finishedAt = *run.FinishedAt
	} else {
		finishedAt = e.clock.Now()
	}
	if err := recorder.FinalizePipelineRun(ctx, run.PipelineRunID, status, finishedAt, run.ErrorMessage); err != nil {
		e.logger.Warn("finalizing mirror pipeline run failed",
			zap.String("pipeline_run_id", run.PipelineRunID),
			zap.Error(err))
	}
}
