package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/clock/system"
	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/executor"
	"github.com/regintel/crawl-engine/internal/hash/sha256"
	"github.com/regintel/crawl-engine/internal/id/uuid"
	"github.com/regintel/crawl-engine/internal/logstore"
	outboxmem "github.com/regintel/crawl-engine/internal/outbox/memory"
	"github.com/regintel/crawl-engine/internal/pipeline"
	"github.com/regintel/crawl-engine/internal/registry"
	"github.com/regintel/crawl-engine/internal/storage/memory"
)

func newTestController(t *testing.T) (*Controller, *memory.Store) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Func{
		Info: engine.CrawlerMeta{Name: "static"},
		Fn: func(_ context.Context, _ engine.Payload) (engine.CrawlResult, error) {
			return engine.CrawlResult{Items: []engine.Item{{SourceURL: "https://example.com"}}}, nil
		},
	}))
	store := memory.New()
	logs, err := logstore.New(t.TempDir(), 64*1024, zap.NewNop())
	require.NoError(t, err)
	exec := executor.New(reg, store, logs, system.New(), uuid.New(), executor.Config{
		Retry:          engine.RetryConfig{MaxAttempts: 1, BackoffBaseMs: 1, BackoffMultiplier: 1, BackoffMaxMs: 1},
		DefaultTimeout: time.Second,
	}, zap.NewNop())
	orch := pipeline.New(nil, exec, store, outboxmem.New(), sha256.New(), system.New(), uuid.New(),
		pipeline.Config{Concurrency: 1}, zap.NewNop())
	return New(store, orch, zap.NewNop()), store
}

func seedFailedDetail(t *testing.T, store *memory.Store, detailID string, snapshot engine.ConfigSnapshot, status engine.RunStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreatePipelineRun(ctx, engine.PipelineRun{
		ID: "orig-" + detailID, RunType: engine.PipelineRunFull,
		Status: engine.PipelineStatusPartialFailure, TotalCrawlers: 1, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.AppendDetail(ctx, engine.PipelineRunDetail{
		ID: detailID, RunID: "orig-" + detailID, CrawlerName: "static",
		Status: status, ErrorType: "network", ConfigSnapshot: snapshot,
	}))
}

func TestRetryDetailLaunchesManualRetry(t *testing.T) {
	t.Parallel()

	ctrl, store := newTestController(t)
	snapshot := engine.ConfigSnapshot{
		Payload:     engine.Payload{"max_items": 2},
		RetryConfig: engine.RetryConfig{MaxAttempts: 1, BackoffBaseMs: 1, BackoffMultiplier: 1, BackoffMaxMs: 1},
		SourceID:    "src-1",
	}
	seedFailedDetail(t, store, "d-1", snapshot, engine.RunStatusFailed)

	run, err := ctrl.RetryDetail(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, engine.PipelineRunManualRetry, run.RunType)
	assert.Equal(t, 1, run.TotalCrawlers)

	require.Eventually(t, func() bool {
		got, _, err := store.GetPipelineRun(context.Background(), run.ID)
		return err == nil && got.Status == engine.PipelineStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	// Replay produced its own detail carrying the snapshot context.
	_, details, err := store.GetPipelineRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "src-1", details[0].SourceID)
	assert.Equal(t, 2, details[0].ConfigSnapshot.Payload.Int("max_items", 0))

	// The original record is untouched.
	orig, err := store.GetDetail(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFailed, orig.Status)
}

func TestRetryDetailRejectsNonFailed(t *testing.T) {
	t.Parallel()

	ctrl, store := newTestController(t)
	seedFailedDetail(t, store, "d-ok", engine.ConfigSnapshot{SourceID: "src"}, engine.RunStatusSuccess)

	_, err := ctrl.RetryDetail(context.Background(), "d-ok")
	assert.ErrorIs(t, err, engine.ErrNotRetryable)
}

func TestRetryDetailRejectsEmptySnapshot(t *testing.T) {
	t.Parallel()

	ctrl, store := newTestController(t)
	seedFailedDetail(t, store, "d-bare", engine.ConfigSnapshot{}, engine.RunStatusFailed)

	_, err := ctrl.RetryDetail(context.Background(), "d-bare")
	assert.ErrorIs(t, err, engine.ErrNotRetryable)
}

func TestRetryDetailUnknownID(t *testing.T) {
	t.Parallel()

	ctrl, _ := newTestController(t)

	_, err := ctrl.RetryDetail(context.Background(), "ghost")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
