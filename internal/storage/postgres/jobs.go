package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/regintel/crawl-engine/internal/engine"
)

const jobColumns = `
id, name, crawler_name, source_id, job_type, schedule_cron, interval_minutes,
payload, retry_config, enabled, next_run_at, last_run_at, last_status,
created_at, updated_at`

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job engine.CrawlerJob) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", engine.ErrValidation)
	}
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return err
	}
	retryCfg, err := marshalJSON(job.RetryConfig)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawler_jobs (
	id, name, crawler_name, source_id, job_type, schedule_cron, interval_minutes,
	payload, retry_config, enabled, next_run_at, last_run_at, last_status,
	created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		job.ID, job.Name, job.CrawlerName, job.SourceID, string(job.JobType),
		job.ScheduleCron, job.IntervalMinutes, payload, retryCfg, job.Enabled,
		job.NextRunAt, job.LastRunAt, string(job.LastStatus),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob replaces an existing job's mutable fields.
func (s *Store) UpdateJob(ctx context.Context, job engine.CrawlerJob) error {
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return err
	}
	retryCfg, err := marshalJSON(job.RetryConfig)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE crawler_jobs SET
	name = $2, crawler_name = $3, source_id = $4, job_type = $5,
	schedule_cron = $6, interval_minutes = $7, payload = $8, retry_config = $9,
	enabled = $10, next_run_at = $11, updated_at = $12
WHERE id = $1`,
		job.ID, job.Name, job.CrawlerName, job.SourceID, string(job.JobType),
		job.ScheduleCron, job.IntervalMinutes, payload, retryCfg,
		job.Enabled, job.NextRunAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", engine.ErrNotFound, job.ID)
	}
	return nil
}

// GetJob returns one job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (engine.CrawlerJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM crawler_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.CrawlerJob{}, fmt.Errorf("%w: job %s", engine.ErrNotFound, jobID)
	}
	return job, err
}

// ListJobs returns all jobs, oldest first.
func (s *Store) ListJobs(ctx context.Context) ([]engine.CrawlerJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM crawler_jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []engine.CrawlerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// DeleteJob removes a job and its run history.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM crawler_job_runs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job runs: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawler_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", engine.ErrNotFound, jobID)
	}
	return nil
}

// ListDueJobs returns enabled jobs due at or before now, soonest first.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]engine.CrawlerJob, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM crawler_jobs
WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
ORDER BY next_run_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var out []engine.CrawlerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimDueJob advances next_run_at only when it still matches the observed
// value. Exactly one concurrent claimant wins.
func (s *Store) ClaimDueJob(ctx context.Context, jobID string, observed time.Time, next *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawler_jobs SET next_run_at = $3, updated_at = now()
WHERE id = $1 AND next_run_at = $2`, jobID, observed, next)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s already claimed", engine.ErrConcurrencyConflict, jobID)
	}
	return nil
}

// RecordJobOutcome updates last_run_at and last_status without touching the
// schedule.
func (s *Store) RecordJobOutcome(ctx context.Context, jobID string, lastRun time.Time, status engine.RunStatus) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawler_jobs SET last_run_at = $2, last_status = $3, updated_at = now()
WHERE id = $1`, jobID, lastRun, string(status))
	if err != nil {
		return fmt.Errorf("record job outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", engine.ErrNotFound, jobID)
	}
	return nil
}

func scanJob(row pgx.Row) (engine.CrawlerJob, error) {
	var (
		job        engine.CrawlerJob
		jobType    string
		lastStatus string
		payload    []byte
		retryCfg   []byte
	)
	err := row.Scan(
		&job.ID, &job.Name, &job.CrawlerName, &job.SourceID, &jobType,
		&job.ScheduleCron, &job.IntervalMinutes, &payload, &retryCfg,
		&job.Enabled, &job.NextRunAt, &job.LastRunAt, &lastStatus,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.CrawlerJob{}, err
		}
		return engine.CrawlerJob{}, fmt.Errorf("scan job row: %w", err)
	}
	job.JobType = engine.JobType(jobType)
	job.LastStatus = engine.RunStatus(lastStatus)
	if err := unmarshalJSON(payload, &job.Payload); err != nil {
		return engine.CrawlerJob{}, err
	}
	if err := unmarshalJSON(retryCfg, &job.RetryConfig); err != nil {
		return engine.CrawlerJob{}, err
	}
	return job, nil
}
