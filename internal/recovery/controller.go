// Package recovery replays failed pipeline units from their recorded
// execution context.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/pipeline"
)

// Controller turns a failed pipeline detail back into a runnable unit.
type Controller struct {
	recorder engine.RunRecorder
	orch     *pipeline.Orchestrator
	logger   *zap.Logger
}

// New constructs a Controller.
func New(recorder engine.RunRecorder, orch *pipeline.Orchestrator, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{recorder: recorder, orch: orch, logger: logger}
}

// RetryDetail replays one failed unit as a fresh manual_retry pipeline run,
// using the config snapshot the original attempt recorded. The original
// detail is never mutated; the returned run is still in progress.
func (c *Controller) RetryDetail(ctx context.Context, detailID string) (engine.PipelineRun, error) {
	detail, err := c.recorder.GetDetail(ctx, detailID)
	if err != nil {
		return engine.PipelineRun{}, fmt.Errorf("loading detail %s: %w", detailID, err)
	}

	if detail.Status != engine.RunStatusFailed {
		return engine.PipelineRun{}, fmt.Errorf(
			"%w: detail %s is %s, only failed units can be retried",
			engine.ErrNotRetryable, detailID, detail.Status)
	}
	if detail.ConfigSnapshot.Empty() {
		return engine.PipelineRun{}, fmt.Errorf(
			"%w: detail %s has no config snapshot to replay", engine.ErrNotRetryable, detailID)
	}

	target := pipeline.Target{
		CrawlerName: detail.CrawlerName,
		SourceID:    detail.ConfigSnapshot.SourceID,
		Payload:     detail.ConfigSnapshot.Payload.Clone(),
		Retry:       detail.ConfigSnapshot.RetryConfig,
	}

	run, err := c.orch.LaunchTargets(ctx, engine.PipelineRunManualRetry, []pipeline.Target{target})
	if err != nil {
		return engine.PipelineRun{}, fmt.Errorf("launching retry for detail %s: %w", detailID, err)
	}

	c.logger.Info("manual retry launched",
		zap.String("detail_id", detailID),
		zap.String("crawler", detail.CrawlerName),
		zap.String("retry_run_id", run.ID))
	return run, nil
}
