package reset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/logstore"
	outboxmem "github.com/regintel/crawl-engine/internal/outbox/memory"
	"github.com/regintel/crawl-engine/internal/storage/memory"
)

func TestResetClearsEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateJob(ctx, engine.CrawlerJob{
		ID: "job-1", CrawlerName: "static", JobType: engine.JobTypeOneOff,
	}))
	require.NoError(t, store.CreatePipelineRun(ctx, engine.PipelineRun{
		ID: "pr-1", RunType: engine.PipelineRunFull,
		Status: engine.PipelineStatusSuccess, StartedAt: time.Now().UTC(),
	}))

	logs, err := logstore.New(t.TempDir(), 1024, zap.NewNop())
	require.NoError(t, err)
	runLog, err := logs.Open("jobs", "run-1")
	require.NoError(t, err)
	runLog.Append("attempt 1...")
	require.NoError(t, runLog.Close())

	pub := outboxmem.New()
	_, err = pub.Publish(ctx, "items", map[string]string{"k": "v"})
	require.NoError(t, err)

	svc := New(store, logs, nil, pub, zap.NewNop())
	result, err := svc.Reset(ctx)
	require.NoError(t, err)

	assert.Contains(t, result.TruncatedTables, "crawler_jobs")
	assert.Len(t, result.ClearedDirs, 1)
	assert.False(t, result.RedisCleared, "no redis configured")

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, pub.Messages())

	_, _, err = logs.Tail(runLog.Path(), 10)
	assert.Error(t, err, "artifact file is gone")
}

func TestResetEmptyStateIsIdempotent(t *testing.T) {
	t.Parallel()

	logs, err := logstore.New(t.TempDir(), 1024, zap.NewNop())
	require.NoError(t, err)

	svc := New(memory.New(), logs, nil, nil, zap.NewNop())

	for i := 0; i < 2; i++ {
		result, err := svc.Reset(context.Background())
		require.NoError(t, err)
		assert.Len(t, result.TruncatedTables, 4)
		assert.Empty(t, result.ClearedDirs)
	}
}
