// Package memory contains an in-memory Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/regintel/crawl-engine/internal/engine"
)

// Store keeps all records in process memory. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]engine.CrawlerJob
	jobRuns  map[string]engine.CrawlerJobRun
	pipeRuns map[string]engine.PipelineRun
	details  map[string]engine.PipelineRunDetail
	runOrder []string // pipeline run IDs in insertion order
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]engine.CrawlerJob),
		jobRuns:  make(map[string]engine.CrawlerJobRun),
		pipeRuns: make(map[string]engine.PipelineRun),
		details:  make(map[string]engine.PipelineRunDetail),
	}
}

var _ engine.Store = (*Store)(nil)

// CreateJob inserts a new job.
func (s *Store) CreateJob(_ context.Context, job engine.CrawlerJob) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", engine.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", engine.ErrValidation, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces an existing job.
func (s *Store) UpdateJob(_ context.Context, job engine.CrawlerJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		return fmt.Errorf("%w: job %s", engine.ErrNotFound, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob returns one job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (engine.CrawlerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return engine.CrawlerJob{}, fmt.Errorf("%w: job %s", engine.ErrNotFound, jobID)
	}
	return cloneJob(job), nil
}

// ListJobs returns all jobs sorted by creation time, oldest first.
func (s *Store) ListJobs(_ context.Context) ([]engine.CrawlerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.CrawlerJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteJob removes a job and its run history.
func (s *Store) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[jobID]; !exists {
		return fmt.Errorf("%w: job %s", engine.ErrNotFound, jobID)
	}
	delete(s.jobs, jobID)
	for id, run := range s.jobRuns {
		if run.JobID == jobID {
			delete(s.jobRuns, id)
		}
	}
	return nil
}

// ListDueJobs returns enabled jobs whose next_run_at is at or before now,
// soonest first.
func (s *Store) ListDueJobs(_ context.Context, now time.Time, limit int) ([]engine.CrawlerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []engine.CrawlerJob
	for _, job := range s.jobs {
		if !job.Enabled || job.NextRunAt == nil {
			continue
		}
		if job.NextRunAt.After(now) {
			continue
		}
		due = append(due, cloneJob(job))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ClaimDueJob advances next_run_at only if it still matches the observed
// value, so exactly one caller wins a due job.
func (s *Store) ClaimDueJob(_ context.Context, jobID string, observed time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", engine.ErrNotFound, jobID)
	}
	if job.NextRunAt == nil || !job.NextRunAt.Equal(observed) {
		return fmt.Errorf("%w: job %s already claimed", engine.ErrConcurrencyConflict, jobID)
	}
	job.NextRunAt = copyTime(next)
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

// RecordJobOutcome updates last_run_at and last_status, leaving the schedule
// untouched.
func (s *Store) RecordJobOutcome(_ context.Context, jobID string, lastRun time.Time, status engine.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", engine.ErrNotFound, jobID)
	}
	job.LastRunAt = &lastRun
	job.LastStatus = status
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

// CreateJobRun inserts a run record.
func (s *Store) CreateJobRun(_ context.Context, run engine.CrawlerJobRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", engine.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobRuns[run.ID]; exists {
		return fmt.Errorf("%w: run %s already exists", engine.ErrValidation, run.ID)
	}
	s.jobRuns[run.ID] = cloneJobRun(run)
	return nil
}

// FinishJobRun replaces a run record with its terminal state.
func (s *Store) FinishJobRun(_ context.Context, run engine.CrawlerJobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobRuns[run.ID]; !exists {
		return fmt.Errorf("%w: run %s", engine.ErrNotFound, run.ID)
	}
	s.jobRuns[run.ID] = cloneJobRun(run)
	return nil
}

// GetJobRun returns one run by ID.
func (s *Store) GetJobRun(_ context.Context, runID string) (engine.CrawlerJobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.jobRuns[runID]
	if !ok {
		return engine.CrawlerJobRun{}, fmt.Errorf("%w: run %s", engine.ErrNotFound, runID)
	}
	return cloneJobRun(run), nil
}

// ListJobRuns returns a job's runs, newest first.
func (s *Store) ListJobRuns(_ context.Context, jobID string) ([]engine.CrawlerJobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.CrawlerJobRun
	for _, run := range s.jobRuns {
		if run.JobID == jobID {
			out = append(out, cloneJobRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// CreatePipelineRun inserts an aggregate run record.
func (s *Store) CreatePipelineRun(_ context.Context, run engine.PipelineRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: pipeline run id is required", engine.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipeRuns[run.ID]; exists {
		return fmt.Errorf("%w: pipeline run %s already exists", engine.ErrValidation, run.ID)
	}
	s.pipeRuns[run.ID] = run
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// AppendDetail inserts a per-unit record and folds its outcome into the
// parent's counters in the same critical section.
func (s *Store) AppendDetail(_ context.Context, detail engine.PipelineRunDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.pipeRuns[detail.RunID]
	if !ok {
		return fmt.Errorf("%w: pipeline run %s", engine.ErrNotFound, detail.RunID)
	}
	if _, exists := s.details[detail.ID]; exists {
		return fmt.Errorf("%w: detail %s already exists", engine.ErrValidation, detail.ID)
	}
	s.details[detail.ID] = cloneDetail(detail)

	switch detail.Status {
	case engine.RunStatusSuccess:
		run.SuccessfulCrawlers++
		run.TotalArticles += detail.ResultCount
	case engine.RunStatusFailed:
		run.FailedCrawlers++
	}
	s.pipeRuns[detail.RunID] = run
	return nil
}

// FinalizePipelineRun marks an aggregate run terminal.
func (s *Store) FinalizePipelineRun(_ context.Context, runID string, status engine.PipelineStatus, finishedAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.pipeRuns[runID]
	if !ok {
		return fmt.Errorf("%w: pipeline run %s", engine.ErrNotFound, runID)
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.ErrorMessage = errMsg
	s.pipeRuns[runID] = run
	return nil
}

// GetPipelineRun returns an aggregate run with its details, details ordered by
// start time.
func (s *Store) GetPipelineRun(_ context.Context, runID string) (engine.PipelineRun, []engine.PipelineRunDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.pipeRuns[runID]
	if !ok {
		return engine.PipelineRun{}, nil, fmt.Errorf("%w: pipeline run %s", engine.ErrNotFound, runID)
	}
	var details []engine.PipelineRunDetail
	for _, d := range s.details {
		if d.RunID == runID {
			details = append(details, cloneDetail(d))
		}
	}
	sort.Slice(details, func(i, j int) bool {
		ti, tj := details[i].StartedAt, details[j].StartedAt
		if ti == nil || tj == nil {
			return details[i].ID < details[j].ID
		}
		if ti.Equal(*tj) {
			return details[i].ID < details[j].ID
		}
		return ti.Before(*tj)
	})
	return run, details, nil
}

// ListPipelineRuns returns runs matching the filter, newest first, plus the
// total match count before pagination.
func (s *Store) ListPipelineRuns(_ context.Context, filter engine.PipelineRunFilter) ([]engine.PipelineRun, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []engine.PipelineRun
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run, ok := s.pipeRuns[s.runOrder[i]]
		if !ok {
			continue
		}
		if filter.RunType != "" && run.RunType != filter.RunType {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, run)
	}
	total := len(matched)

	offset := filter.Offset
	if offset > total {
		offset = total
	}
	matched = matched[offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// GetDetail returns one per-unit record by ID.
func (s *Store) GetDetail(_ context.Context, detailID string) (engine.PipelineRunDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	detail, ok := s.details[detailID]
	if !ok {
		return engine.PipelineRunDetail{}, fmt.Errorf("%w: detail %s", engine.ErrNotFound, detailID)
	}
	return cloneDetail(detail), nil
}

// MarkOrphanedRuns fails every record still marked running. Called once at
// startup; anything running then belongs to a previous process.
func (s *Store) MarkOrphanedRuns(_ context.Context, now time.Time) (int, error) {
	const orphanErrType = "orphaned_on_restart"
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, run := range s.pipeRuns {
		if run.Status != engine.PipelineStatusRunning {
			continue
		}
		run.Status = engine.PipelineStatusFailed
		run.FinishedAt = &now
		run.ErrorMessage = orphanErrType
		s.pipeRuns[id] = run
		count++
	}
	for id, detail := range s.details {
		if detail.Status != engine.RunStatusRunning {
			continue
		}
		detail.Status = engine.RunStatusFailed
		detail.FinishedAt = &now
		detail.ErrorType = orphanErrType
		s.details[id] = detail
		count++
	}
	for id, run := range s.jobRuns {
		if run.Status != engine.RunStatusRunning {
			continue
		}
		run.Status = engine.RunStatusFailed
		run.FinishedAt = &now
		run.ErrorType = orphanErrType
		s.jobRuns[id] = run
		count++
	}
	return count, nil
}

// Reset drops all records. The returned names mirror the tables the Postgres
// store truncates.
func (s *Store) Reset(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]engine.CrawlerJob)
	s.jobRuns = make(map[string]engine.CrawlerJobRun)
	s.pipeRuns = make(map[string]engine.PipelineRun)
	s.details = make(map[string]engine.PipelineRunDetail)
	s.runOrder = nil
	return []string{
		"crawler_jobs",
		"crawler_job_runs",
		"crawler_pipeline_runs",
		"crawler_pipeline_run_details",
	}, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() {}

func cloneJob(job engine.CrawlerJob) engine.CrawlerJob {
	out := job
	out.Payload = job.Payload.Clone()
	out.NextRunAt = copyTime(job.NextRunAt)
	out.LastRunAt = copyTime(job.LastRunAt)
	return out
}

func cloneJobRun(run engine.CrawlerJobRun) engine.CrawlerJobRun {
	out := run
	out.ParamsSnapshot = run.ParamsSnapshot.Clone()
	out.FinishedAt = copyTime(run.FinishedAt)
	return out
}

func cloneDetail(detail engine.PipelineRunDetail) engine.PipelineRunDetail {
	out := detail
	out.StartedAt = copyTime(detail.StartedAt)
	out.FinishedAt = copyTime(detail.FinishedAt)
	out.ConfigSnapshot.Payload = detail.ConfigSnapshot.Payload.Clone()
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
