package engine

import (
	"context"
	"time"
)

// JobStore persists crawler job definitions and their run history.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlerJob) error
	UpdateJob(ctx context.Context, job CrawlerJob) error
	GetJob(ctx context.Context, jobID string) (CrawlerJob, error)
	ListJobs(ctx context.Context) ([]CrawlerJob, error)
	DeleteJob(ctx context.Context, jobID string) error

	// ListDueJobs returns enabled scheduled jobs whose next_run_at has
	// elapsed as of now.
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]CrawlerJob, error)
	// ClaimDueJob advances next_run_at from observed to next in one
	// conditional update. A lost race returns ErrConcurrencyConflict.
	ClaimDueJob(ctx context.Context, jobID string, observed time.Time, next *time.Time) error
	// RecordJobOutcome persists last_run_at/last_status after a dispatch.
	RecordJobOutcome(ctx context.Context, jobID string, lastRun time.Time, status RunStatus) error

	CreateJobRun(ctx context.Context, run CrawlerJobRun) error
	FinishJobRun(ctx context.Context, run CrawlerJobRun) error
	GetJobRun(ctx context.Context, runID string) (CrawlerJobRun, error)
	// ListJobRuns returns run history for one job, newest first.
	ListJobRuns(ctx context.Context, jobID string) ([]CrawlerJobRun, error)
}

// PipelineRunFilter narrows pipeline run listings.
type PipelineRunFilter struct {
	RunType PipelineRunType
	Status  PipelineStatus
	Limit   int
	Offset  int
}

// RunRecorder is the narrow persistence surface the orchestrator writes
// through. The store implements it; the orchestrator never sees the rest.
type RunRecorder interface {
	CreatePipelineRun(ctx context.Context, run PipelineRun) error
	// AppendDetail persists one detail and folds its outcome into the parent
	// run's counters in a single atomic store operation.
	AppendDetail(ctx context.Context, detail PipelineRunDetail) error
	FinalizePipelineRun(ctx context.Context, runID string, status PipelineStatus, finishedAt time.Time, errMsg string) error
	GetPipelineRun(ctx context.Context, runID string) (PipelineRun, []PipelineRunDetail, error)
	ListPipelineRuns(ctx context.Context, filter PipelineRunFilter) ([]PipelineRun, int, error)
	GetDetail(ctx context.Context, detailID string) (PipelineRunDetail, error)
}

// Store is the full persistence contract a backend provides.
type Store interface {
	JobStore
	RunRecorder

	// MarkOrphanedRuns fails every record still marked running, used by the
	// startup reconciliation sweep after a crash.
	MarkOrphanedRuns(ctx context.Context, now time.Time) (int, error)
	// Reset truncates all job/run/pipeline state and returns the names of
	// the cleared tables.
	Reset(ctx context.Context) ([]string, error)
	Close()
}

// Publisher pushes collected-item events to the downstream outbox.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunLog receives log lines for one execution.
type RunLog interface {
	Append(lines ...string)
	Path() string
	Close() error
}

// RunLogStore creates and reads capped per-run log artifacts.
type RunLogStore interface {
	Open(scope, runID string) (RunLog, error)
	// Tail returns up to limit lines from the end of the artifact plus a
	// flag indicating whether earlier lines were omitted.
	Tail(path string, limit int) ([]string, bool, error)
}

// Hasher computes digests for outbox deduplication keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
