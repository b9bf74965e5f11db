package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/clock/system"
	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/id/uuid"
	"github.com/regintel/crawl-engine/internal/logstore"
	"github.com/regintel/crawl-engine/internal/registry"
	"github.com/regintel/crawl-engine/internal/storage/memory"
)

func newTestExecutor(t *testing.T, reg *registry.Registry, store engine.JobStore) *Executor {
	t.Helper()
	logs, err := logstore.New(t.TempDir(), 64*1024, zap.NewNop())
	require.NoError(t, err)
	cfg := Config{
		Retry: engine.RetryConfig{
			MaxAttempts:       3,
			BackoffBaseMs:     1,
			BackoffMultiplier: 2,
			BackoffMaxMs:      5,
		},
		DefaultTimeout: 2 * time.Second,
	}
	return New(reg, store, logs, system.New(), uuid.New(), cfg, zap.NewNop())
}

func staticUnit(name string, items int) registry.Unit {
	return registry.Func{
		Info: engine.CrawlerMeta{Name: name},
		Fn: func(_ context.Context, _ engine.Payload) (engine.CrawlResult, error) {
			out := make([]engine.Item, items)
			for i := range out {
				out[i] = engine.Item{SourceURL: "https://example.com", CollectedAt: time.Now()}
			}
			return engine.CrawlResult{Items: out}, nil
		},
	}
}

func failNTimesUnit(name string, failures int, kind engine.ErrorKind) registry.Unit {
	var mu sync.Mutex
	calls := 0
	return registry.Func{
		Info: engine.CrawlerMeta{Name: name},
		Fn: func(_ context.Context, _ engine.Payload) (engine.CrawlResult, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n <= failures {
				return engine.CrawlResult{}, engine.NewCrawlError(kind, errors.New("transient"))
			}
			return engine.CrawlResult{Items: []engine.Item{{SourceURL: "https://example.com"}}}, nil
		},
	}
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(staticUnit("static", 4)))
	exec := newTestExecutor(t, reg, nil)

	result := exec.Execute(context.Background(), ScopeJobs, "run-1", "static", nil, engine.RetryConfig{})

	assert.Equal(t, engine.RunStatusSuccess, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 4, result.ResultCount)
	assert.Len(t, result.Items, 4)
	assert.Empty(t, result.ErrorType)
	assert.NotEmpty(t, result.LogPath)
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(failNTimesUnit("flaky", 2, engine.ErrKindNetwork)))
	exec := newTestExecutor(t, reg, nil)

	result := exec.Execute(context.Background(), ScopeJobs, "run-2", "flaky", nil, engine.RetryConfig{})

	assert.Equal(t, engine.RunStatusSuccess, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 1, result.ResultCount)
}

func TestExecuteNonRetryableShortCircuits(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(failNTimesUnit("broken-parser", 10, engine.ErrKindParse)))
	exec := newTestExecutor(t, reg, nil)

	result := exec.Execute(context.Background(), ScopeJobs, "run-3", "broken-parser", nil, engine.RetryConfig{})

	assert.Equal(t, engine.RunStatusFailed, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, string(engine.ErrKindParse), result.ErrorType)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(failNTimesUnit("always-down", 100, engine.ErrKindNetwork)))
	exec := newTestExecutor(t, reg, nil)

	retry := engine.RetryConfig{MaxAttempts: 2, BackoffBaseMs: 1, BackoffMultiplier: 2, BackoffMaxMs: 2}
	result := exec.Execute(context.Background(), ScopeJobs, "run-4", "always-down", nil, retry)

	assert.Equal(t, engine.RunStatusFailed, result.Status)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, string(engine.ErrKindNetwork), result.ErrorType)
	assert.Contains(t, result.ErrorMessage, "transient")
}

func TestExecuteUnresolvedCrawler(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, registry.New(), nil)

	result := exec.Execute(context.Background(), ScopeJobs, "run-5", "ghost", nil, engine.RetryConfig{})

	assert.Equal(t, engine.RunStatusFailed, result.Status)
	assert.Equal(t, string(engine.ErrKindUnresolved), result.ErrorType)
	assert.Zero(t, result.Attempts)
}

func TestExecuteAttemptTimeout(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Func{
		Info: engine.CrawlerMeta{Name: "slow"},
		Fn: func(ctx context.Context, _ engine.Payload) (engine.CrawlResult, error) {
			<-ctx.Done()
			return engine.CrawlResult{}, ctx.Err()
		},
	}))
	exec := newTestExecutor(t, reg, nil)

	payload := engine.Payload{"timeout_seconds": 1}
	retry := engine.RetryConfig{MaxAttempts: 2, BackoffBaseMs: 1, BackoffMultiplier: 1, BackoffMaxMs: 1}
	result := exec.Execute(context.Background(), ScopeJobs, "run-6", "slow", payload, retry)

	assert.Equal(t, engine.RunStatusFailed, result.Status)
	assert.Equal(t, string(engine.ErrKindTimeout), result.ErrorType)
	assert.Equal(t, 2, result.Attempts)
}

func TestExecuteStopsOnParentCancellation(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(failNTimesUnit("always-down", 100, engine.ErrKindNetwork)))
	exec := newTestExecutor(t, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	retry := engine.RetryConfig{MaxAttempts: 5, BackoffBaseMs: 1000, BackoffMultiplier: 2, BackoffMaxMs: 5000}

	start := time.Now()
	result := exec.Execute(ctx, ScopeJobs, "run-7", "always-down", nil, retry)

	assert.Equal(t, engine.RunStatusFailed, result.Status)
	assert.Less(t, time.Since(start), time.Second, "cancelled execution must not sit in backoff")
}

func TestBackoffCapped(t *testing.T) {
	t.Parallel()

	retry := engine.RetryConfig{BackoffBaseMs: 500, BackoffMultiplier: 2, BackoffMaxMs: 1200}

	assert.Equal(t, 500*time.Millisecond, backoff(retry, 1))
	assert.Equal(t, 1000*time.Millisecond, backoff(retry, 2))
	assert.Equal(t, 1200*time.Millisecond, backoff(retry, 3))
	assert.Equal(t, 1200*time.Millisecond, backoff(retry, 10))
}

type recordingJobStore struct {
	engine.JobStore

	mu       sync.Mutex
	created  []engine.CrawlerJobRun
	finished []engine.CrawlerJobRun
}

func (s *recordingJobStore) CreateJobRun(_ context.Context, run engine.CrawlerJobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, run)
	return nil
}

func (s *recordingJobStore) FinishJobRun(_ context.Context, run engine.CrawlerJobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, run)
	return nil
}

func TestRunJobRecordsLifecycle(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(staticUnit("static", 2)))
	store := &recordingJobStore{}
	exec := newTestExecutor(t, reg, store)

	job := engine.CrawlerJob{
		ID:          "job-1",
		CrawlerName: "static",
		Payload:     engine.Payload{"max_items": 10},
	}
	run, err := exec.RunJob(context.Background(), job, engine.Payload{"max_items": 1})
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.created, 1)
	require.Len(t, store.finished, 1)

	assert.Equal(t, engine.RunStatusRunning, store.created[0].Status)
	assert.Equal(t, "job-1", store.created[0].JobID)
	assert.Equal(t, 1, store.created[0].ParamsSnapshot.Int("max_items", 0), "override must win")

	assert.Equal(t, engine.RunStatusSuccess, run.Status)
	assert.Equal(t, store.created[0].ID, run.ID)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, 2, run.ResultCount)
	assert.Equal(t, 1, run.RetryAttempts)
	assert.NotEmpty(t, run.LogPath)
	assert.Empty(t, run.PipelineRunID, "a job-only store records no mirror run")
}

func TestRunJobMirrorsPipelineRun(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(staticUnit("static", 3)))
	store := memory.New()
	exec := newTestExecutor(t, reg, store)

	job := engine.CrawlerJob{
		ID:          "job-1",
		CrawlerName: "static",
		SourceID:    "src-1",
		Payload:     engine.Payload{"max_items": 10},
	}
	run, err := exec.RunJob(context.Background(), job, nil)
	require.NoError(t, err)
	require.NotEmpty(t, run.PipelineRunID)

	mirror, details, err := store.GetPipelineRun(context.Background(), run.PipelineRunID)
	require.NoError(t, err)
	assert.Equal(t, engine.PipelineRunJob, mirror.RunType)
	assert.Equal(t, engine.PipelineStatusSuccess, mirror.Status)
	assert.Equal(t, 1, mirror.TotalCrawlers)
	assert.Equal(t, 1, mirror.SuccessfulCrawlers)
	assert.Equal(t, 3, mirror.TotalArticles)
	assert.NotNil(t, mirror.FinishedAt)

	require.Len(t, details, 1)
	detail := details[0]
	assert.Equal(t, "static", detail.CrawlerName)
	assert.Equal(t, "src-1", detail.SourceID)
	assert.Equal(t, engine.RunStatusSuccess, detail.Status)
	assert.Equal(t, 3, detail.ResultCount)
	assert.False(t, detail.ConfigSnapshot.Empty(), "mirror details must be replayable")
	assert.Equal(t, "src-1", detail.ConfigSnapshot.SourceID)
}

func TestRunJobMirrorRecordsFailure(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(failNTimesUnit("flaky", 99, engine.ErrKindParse)))
	store := memory.New()
	exec := newTestExecutor(t, reg, store)

	run, err := exec.RunJob(context.Background(), engine.CrawlerJob{ID: "job-1", CrawlerName: "flaky"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, run.PipelineRunID)

	mirror, details, err := store.GetPipelineRun(context.Background(), run.PipelineRunID)
	require.NoError(t, err)
	assert.Equal(t, engine.PipelineStatusFailed, mirror.Status)
	assert.Equal(t, 1, mirror.FailedCrawlers)
	require.Len(t, details, 1)
	assert.Equal(t, string(engine.ErrKindParse), details[0].ErrorType)
}
