package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regintel/crawl-engine/internal/engine"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	job := engine.CrawlerJob{
		ID:              "job-1",
		Name:            "nightly sweep",
		CrawlerName:     "static",
		JobType:         engine.JobTypeScheduled,
		IntervalMinutes: 60,
		Enabled:         true,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), engine.ErrValidation)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly sweep", got.Name)

	got.Name = "renamed"
	require.NoError(t, store.UpdateJob(ctx, got))
	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, store.DeleteJob(ctx, "job-1"))
	_, err = store.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.ErrorIs(t, store.DeleteJob(ctx, "job-1"), engine.ErrNotFound)
}

func TestListDueJobs(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, next *time.Time, enabled bool) engine.CrawlerJob {
		return engine.CrawlerJob{
			ID: id, CrawlerName: "static", JobType: engine.JobTypeScheduled,
			IntervalMinutes: 5, Enabled: enabled, NextRunAt: next,
		}
	}
	require.NoError(t, store.CreateJob(ctx, mk("due-early", timePtr(now.Add(-2*time.Hour)), true)))
	require.NoError(t, store.CreateJob(ctx, mk("due-late", timePtr(now.Add(-time.Minute)), true)))
	require.NoError(t, store.CreateJob(ctx, mk("future", timePtr(now.Add(time.Hour)), true)))
	require.NoError(t, store.CreateJob(ctx, mk("disabled", timePtr(now.Add(-time.Hour)), false)))
	require.NoError(t, store.CreateJob(ctx, mk("unscheduled", nil, true)))

	due, err := store.ListDueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-early", due[0].ID, "soonest first")
	assert.Equal(t, "due-late", due[1].ID)

	due, err = store.ListDueJobs(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestClaimDueJobCompareAndSwap(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	observed := time.Now().UTC().Add(-time.Minute)
	next := observed.Add(time.Hour)

	require.NoError(t, store.CreateJob(ctx, engine.CrawlerJob{
		ID: "job-1", CrawlerName: "static", JobType: engine.JobTypeScheduled,
		IntervalMinutes: 60, Enabled: true, NextRunAt: &observed,
	}))

	require.NoError(t, store.ClaimDueJob(ctx, "job-1", observed, &next))

	// Second claim against the stale observed value loses.
	err := store.ClaimDueJob(ctx, "job-1", observed, &next)
	assert.ErrorIs(t, err, engine.ErrConcurrencyConflict)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
}

func TestRecordJobOutcomeLeavesScheduleAlone(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Hour)

	require.NoError(t, store.CreateJob(ctx, engine.CrawlerJob{
		ID: "job-1", CrawlerName: "static", JobType: engine.JobTypeScheduled,
		IntervalMinutes: 60, Enabled: true, NextRunAt: &next,
	}))

	ranAt := time.Now().UTC()
	require.NoError(t, store.RecordJobOutcome(ctx, "job-1", ranAt, engine.RunStatusSuccess))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSuccess, got.LastStatus)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next), "outcome recording must not move the schedule")
}

func TestJobRunsNewestFirst(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, store.CreateJobRun(ctx, engine.CrawlerJobRun{
			ID: id, JobID: "job-1", Status: engine.RunStatusRunning,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := store.ListJobRuns(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-1", runs[2].ID)
}

func TestAppendDetailFoldsCounters(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	require.NoError(t, store.CreatePipelineRun(ctx, engine.PipelineRun{
		ID: "pr-1", RunType: engine.PipelineRunFull,
		Status: engine.PipelineStatusRunning, TotalCrawlers: 3, StartedAt: time.Now().UTC(),
	}))

	require.NoError(t, store.AppendDetail(ctx, engine.PipelineRunDetail{
		ID: "d-1", RunID: "pr-1", CrawlerName: "a", Status: engine.RunStatusSuccess, ResultCount: 7,
	}))
	require.NoError(t, store.AppendDetail(ctx, engine.PipelineRunDetail{
		ID: "d-2", RunID: "pr-1", CrawlerName: "b", Status: engine.RunStatusFailed,
	}))
	require.NoError(t, store.AppendDetail(ctx, engine.PipelineRunDetail{
		ID: "d-3", RunID: "pr-1", CrawlerName: "c", Status: engine.RunStatusSkipped,
	}))

	run, details, err := store.GetPipelineRun(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.SuccessfulCrawlers)
	assert.Equal(t, 1, run.FailedCrawlers)
	assert.Equal(t, 7, run.TotalArticles)
	assert.Len(t, details, 3)

	err = store.AppendDetail(ctx, engine.PipelineRunDetail{ID: "d-4", RunID: "ghost"})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestListPipelineRunsFilterAndPaging(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	base := time.Now().UTC()

	types := []engine.PipelineRunType{
		engine.PipelineRunFull, engine.PipelineRunQuick, engine.PipelineRunFull,
		engine.PipelineRunManualRetry, engine.PipelineRunFull,
	}
	for i, rt := range types {
		require.NoError(t, store.CreatePipelineRun(ctx, engine.PipelineRun{
			ID: string(rune('a' + i)), RunType: rt,
			Status: engine.PipelineStatusRunning, StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, total, err := store.ListPipelineRuns(ctx, engine.PipelineRunFilter{RunType: engine.PipelineRunFull})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, runs, 3)
	assert.Equal(t, "e", runs[0].ID, "newest first")

	runs, total, err = store.ListPipelineRuns(ctx, engine.PipelineRunFilter{RunType: engine.PipelineRunFull, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total, "total ignores pagination")
	require.Len(t, runs, 1)
	assert.Equal(t, "c", runs[0].ID)
}

func TestMarkOrphanedRuns(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreatePipelineRun(ctx, engine.PipelineRun{
		ID: "pr-1", RunType: engine.PipelineRunFull, Status: engine.PipelineStatusRunning, StartedAt: now,
	}))
	require.NoError(t, store.AppendDetail(ctx, engine.PipelineRunDetail{
		ID: "d-1", RunID: "pr-1", CrawlerName: "a", Status: engine.RunStatusRunning,
	}))
	require.NoError(t, store.CreateJobRun(ctx, engine.CrawlerJobRun{
		ID: "r-1", JobID: "job-1", Status: engine.RunStatusRunning, StartedAt: now,
	}))
	require.NoError(t, store.CreateJobRun(ctx, engine.CrawlerJobRun{
		ID: "r-2", JobID: "job-1", Status: engine.RunStatusSuccess, StartedAt: now,
	}))

	count, err := store.MarkOrphanedRuns(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	run, _, err := store.GetPipelineRun(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, engine.PipelineStatusFailed, run.Status)
	assert.Equal(t, "orphaned_on_restart", run.ErrorMessage)

	jobRun, err := store.GetJobRun(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFailed, jobRun.Status)
	assert.Equal(t, "orphaned_on_restart", jobRun.ErrorType)

	untouched, err := store.GetJobRun(ctx, "r-2")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSuccess, untouched.Status)
}

func TestReset(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, engine.CrawlerJob{ID: "job-1", CrawlerName: "static", JobType: engine.JobTypeOneOff}))
	require.NoError(t, store.CreatePipelineRun(ctx, engine.PipelineRun{ID: "pr-1", RunType: engine.PipelineRunFull, Status: engine.PipelineStatusRunning, StartedAt: time.Now().UTC()}))

	tables, err := store.Reset(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "crawler_jobs")
	assert.Contains(t, tables, "crawler_pipeline_run_details")

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	_, _, err = store.GetPipelineRun(ctx, "pr-1")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
