// Package executor runs a single crawler unit under the resilience policy:
// per-attempt wall-clock timeout, retry with exponential backoff, error
// classification, and capped log capture.
package executor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/metrics"
	"github.com/regintel/crawl-engine/internal/registry"
)

const logDivider = "----------------------------------------"

// Config holds executor defaults applied when a job's own settings are zero.
type Config struct {
	Retry          engine.RetryConfig
	DefaultTimeout time.Duration
}

// Executor executes exactly one crawler unit per call.
type Executor struct {
	registry *registry.Registry
	store    engine.JobStore
	logs     engine.RunLogStore
	clock    engine.Clock
	idGen    engine.IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Executor.
func New(
	reg *registry.Registry,
	store engine.JobStore,
	logs engine.RunLogStore,
	clock engine.Clock,
	idGen engine.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 20 * time.Second
	}
	cfg.Retry = cfg.Retry.WithDefaults(engine.RetryConfig{
		MaxAttempts:       3,
		BackoffBaseMs:     500,
		BackoffMultiplier: 2,
		BackoffMaxMs:      30000,
	})
	return &Executor{
		registry: reg,
		store:    store,
		logs:     logs,
		clock:    clock,
		idGen:    idGen,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute runs one unit to a terminal result. Unit failures never surface as
// errors; they are classified and folded into the result. scope and runID
// locate the log artifact.
func (e *Executor) Execute(
	ctx context.Context,
	scope, runID, crawlerName string,
	payload engine.Payload,
	retry engine.RetryConfig,
) engine.ExecutionResult {
	retry = retry.WithDefaults(e.cfg.Retry)
	payload = payload.Clone()

	runLog, err := e.logs.Open(scope, runID)
	if err != nil {
		e.logger.Warn("run log open failed", zap.String("run_id", runID), zap.Error(err))
		runLog = discardLog{}
	}
	defer func() {
		if closeErr := runLog.Close(); closeErr != nil {
			e.logger.Warn("run log close failed", zap.String("run_id", runID), zap.Error(closeErr))
		}
	}()

	started := e.clock.Now()
	runLog.Append(
		fmt.Sprintf("crawler: %s", crawlerName),
		fmt.Sprintf("started: %s", started.Format(time.RFC3339)),
		fmt.Sprintf("max attempts: %d", retry.MaxAttempts),
		logDivider,
	)

	unit, err := e.registry.Resolve(crawlerName)
	if err != nil {
		runLog.Append(fmt.Sprintf("status: failed (%s)", engine.ErrKindUnresolved))
		metrics.RunCompleted(string(engine.RunStatusFailed), string(engine.ErrKindUnresolved))
		return engine.ExecutionResult{
			Status:       engine.RunStatusFailed,
			ErrorType:    string(engine.ErrKindUnresolved),
			ErrorMessage: err.Error(),
			LogPath:      runLog.Path(),
		}
	}

	result := e.attemptLoop(ctx, unit, payload, retry, runLog)
	result.DurationMs = e.clock.Now().Sub(started).Milliseconds()
	result.LogPath = runLog.Path()

	runLog.Append(
		logDivider,
		fmt.Sprintf("final status: %s after %d attempt(s)", result.Status, result.Attempts),
		fmt.Sprintf("finished: %s", e.clock.Now().Format(time.RFC3339)),
	)
	metrics.RunCompleted(string(result.Status), result.ErrorType)
	return result
}

func (e *Executor) attemptLoop(
	ctx context.Context,
	unit registry.Unit,
	payload engine.Payload,
	retry engine.RetryConfig,
	runLog engine.RunLog,
) engine.ExecutionResult {
	timeout := e.attemptTimeout(payload)
	var lastErr error
	attemptsMade := 0

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		attemptsMade = attempt
		runLog.Append(fmt.Sprintf("attempt %d...", attempt))

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		crawlResult, err := unit.Execute(attemptCtx, payload)
		cancel()

		if err == nil {
			runLog.Append(
				fmt.Sprintf("collected: %d item(s)", len(crawlResult.Items)),
				"status: success",
			)
			return engine.ExecutionResult{
				Status:      engine.RunStatusSuccess,
				ResultCount: len(crawlResult.Items),
				Attempts:    attempt,
				Items:       crawlResult.Items,
			}
		}

		lastErr = err
		kind := engine.Classify(err)
		runLog.Append(fmt.Sprintf("attempt %d failed (%s): %s", attempt, kind, trimErr(err)))

		if ctx.Err() != nil {
			// The enclosing pipeline or server is shutting down; stop here.
			break
		}
		if !engine.Retryable(err) {
			runLog.Append("error is not retryable, giving up")
			break
		}
		if attempt == retry.MaxAttempts {
			break
		}

		delay := backoff(retry, attempt)
		runLog.Append(fmt.Sprintf("backing off %s before retry", delay))
		if sleep(ctx, delay) != nil {
			// Shutdown during backoff; report the unit error, not the cancellation.
			break
		}
	}

	return engine.ExecutionResult{
		Status:       engine.RunStatusFailed,
		Attempts:     attemptsMade,
		ErrorType:    string(engine.Classify(lastErr)),
		ErrorMessage: trimErr(lastErr),
	}
}

// attemptTimeout reads the per-run override, falling back to config.
func (e *Executor) attemptTimeout(payload engine.Payload) time.Duration {
	if secs := payload.Int("timeout_seconds", 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return e.cfg.DefaultTimeout
}

// backoff computes base * multiplier^(attempt-1), capped.
func backoff(retry engine.RetryConfig, attempt int) time.Duration {
	ms := float64(retry.BackoffBaseMs) * math.Pow(retry.BackoffMultiplier, float64(attempt-1))
	if max := float64(retry.BackoffMaxMs); ms > max {
		ms = max
	}
	return time.Duration(ms) * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func trimErr(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return strings.ToValidUTF8(msg, "")
}

// discardLog stands in when the artifact store is unavailable; execution
// proceeds without a log rather than failing the run.
type discardLog struct{}

func (discardLog) Append(...string) {}
func (discardLog) Path() string     { return "" }
func (discardLog) Close() error     { return nil }

var _ engine.RunLog = discardLog{}
