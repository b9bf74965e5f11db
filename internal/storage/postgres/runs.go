package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/regintel/crawl-engine/internal/engine"
)

const jobRunColumns = `
id, job_id, status, started_at, finished_at, executed_crawler, params_snapshot,
result_count, duration_ms, retry_attempts, error_type, error_message, log_path,
pipeline_run_id`

const pipelineRunColumns = `
id, run_type, status, total_crawlers, successful_crawlers, failed_crawlers,
total_articles, started_at, finished_at, error_message`

const detailColumns = `
id, run_id, crawler_name, source_id, status, started_at, finished_at,
result_count, duration_ms, attempt_number, max_attempts, error_type,
error_message, log_path, config_snapshot`

// CreateJobRun inserts a run record in its initial running state.
func (s *Store) CreateJobRun(ctx context.Context, run engine.CrawlerJobRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", engine.ErrValidation)
	}
	params, err := marshalJSON(run.ParamsSnapshot)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawler_job_runs (
	id, job_id, status, started_at, finished_at, executed_crawler,
	params_snapshot, result_count, duration_ms, retry_attempts,
	error_type, error_message, log_path, pipeline_run_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		run.ID, run.JobID, string(run.Status), run.StartedAt, run.FinishedAt,
		run.ExecutedCrawler, params, run.ResultCount, run.DurationMs,
		run.RetryAttempts, run.ErrorType, run.ErrorMessage, run.LogPath,
		run.PipelineRunID)
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// FinishJobRun writes a run's terminal state.
func (s *Store) FinishJobRun(ctx context.Context, run engine.CrawlerJobRun) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawler_job_runs SET
	status = $2, finished_at = $3, result_count = $4, duration_ms = $5,
	retry_attempts = $6, error_type = $7, error_message = $8, log_path = $9
WHERE id = $1`,
		run.ID, string(run.Status), run.FinishedAt, run.ResultCount,
		run.DurationMs, run.RetryAttempts, run.ErrorType, run.ErrorMessage,
		run.LogPath)
	if err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", engine.ErrNotFound, run.ID)
	}
	return nil
}

// GetJobRun returns one run by ID.
func (s *Store) GetJobRun(ctx context.Context, runID string) (engine.CrawlerJobRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobRunColumns+` FROM crawler_job_runs WHERE id = $1`, runID)
	run, err := scanJobRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.CrawlerJobRun{}, fmt.Errorf("%w: run %s", engine.ErrNotFound, runID)
	}
	return run, err
}

// ListJobRuns returns a job's runs, newest first.
func (s *Store) ListJobRuns(ctx context.Context, jobID string) ([]engine.CrawlerJobRun, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobRunColumns+` FROM crawler_job_runs
WHERE job_id = $1
ORDER BY started_at DESC, id DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var out []engine.CrawlerJobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// CreatePipelineRun inserts the aggregate record for a new batch.
func (s *Store) CreatePipelineRun(ctx context.Context, run engine.PipelineRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: pipeline run id is required", engine.ErrValidation)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawler_pipeline_runs (
	id, run_type, status, total_crawlers, successful_crawlers, failed_crawlers,
	total_articles, started_at, finished_at, error_message
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		run.ID, string(run.RunType), string(run.Status), run.TotalCrawlers,
		run.SuccessfulCrawlers, run.FailedCrawlers, run.TotalArticles,
		run.StartedAt, run.FinishedAt, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}
	return nil
}

// AppendDetail inserts one per-unit record and folds its outcome into the
// parent's counters. The counter fold is a single UPDATE with relative
// increments, so concurrent appends never lose updates.
func (s *Store) AppendDetail(ctx context.Context, detail engine.PipelineRunDetail) error {
	snapshot, err := marshalJSON(detail.ConfigSnapshot)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawler_pipeline_run_details (
	id, run_id, crawler_name, source_id, status, started_at, finished_at,
	result_count, duration_ms, attempt_number, max_attempts, error_type,
	error_message, log_path, config_snapshot
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		detail.ID, detail.RunID, detail.CrawlerName, detail.SourceID,
		string(detail.Status), detail.StartedAt, detail.FinishedAt,
		detail.ResultCount, detail.DurationMs, detail.AttemptNumber,
		detail.MaxAttempts, detail.ErrorType, detail.ErrorMessage,
		detail.LogPath, snapshot)
	if err != nil {
		return fmt.Errorf("insert pipeline detail: %w", err)
	}

	var successInc, failInc, articleInc int
	switch detail.Status {
	case engine.RunStatusSuccess:
		successInc = 1
		articleInc = detail.ResultCount
	case engine.RunStatusFailed:
		failInc = 1
	default:
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE crawler_pipeline_runs SET
	successful_crawlers = successful_crawlers + $2,
	failed_crawlers = failed_crawlers + $3,
	total_articles = total_articles + $4
WHERE id = $1`, detail.RunID, successInc, failInc, articleInc)
	if err != nil {
		return fmt.Errorf("fold detail counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pipeline run %s", engine.ErrNotFound, detail.RunID)
	}
	return nil
}

// FinalizePipelineRun marks the aggregate record terminal.
func (s *Store) FinalizePipelineRun(ctx context.Context, runID string, status engine.PipelineStatus, finishedAt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawler_pipeline_runs SET status = $2, finished_at = $3, error_message = $4
WHERE id = $1`, runID, string(status), finishedAt, errMsg)
	if err != nil {
		return fmt.Errorf("finalize pipeline run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pipeline run %s", engine.ErrNotFound, runID)
	}
	return nil
}

// GetPipelineRun returns the aggregate record with its details.
func (s *Store) GetPipelineRun(ctx context.Context, runID string) (engine.PipelineRun, []engine.PipelineRunDetail, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineRunColumns+` FROM crawler_pipeline_runs WHERE id = $1`, runID)
	run, err := scanPipelineRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.PipelineRun{}, nil, fmt.Errorf("%w: pipeline run %s", engine.ErrNotFound, runID)
	}
	if err != nil {
		return engine.PipelineRun{}, nil, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT `+detailColumns+` FROM crawler_pipeline_run_details
WHERE run_id = $1
ORDER BY started_at NULLS LAST, id`, runID)
	if err != nil {
		return engine.PipelineRun{}, nil, fmt.Errorf("list pipeline details: %w", err)
	}
	defer rows.Close()

	var details []engine.PipelineRunDetail
	for rows.Next() {
		detail, err := scanDetail(rows)
		if err != nil {
			return engine.PipelineRun{}, nil, err
		}
		details = append(details, detail)
	}
	return run, details, rows.Err()
}

// ListPipelineRuns returns aggregate records matching the filter, newest
// first, plus the total match count before pagination.
func (s *Store) ListPipelineRuns(ctx context.Context, filter engine.PipelineRunFilter) ([]engine.PipelineRun, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.RunType != "" {
		args = append(args, string(filter.RunType))
		conds = append(conds, "run_type = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	row := s.pool.QueryRow(ctx, `SELECT count(*) FROM crawler_pipeline_runs`+where, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pipeline runs: %w", err)
	}

	query := `SELECT ` + pipelineRunColumns + ` FROM crawler_pipeline_runs` + where +
		` ORDER BY started_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	var out []engine.PipelineRun
	for rows.Next() {
		run, err := scanPipelineRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

// GetDetail returns one per-unit record by ID.
func (s *Store) GetDetail(ctx context.Context, detailID string) (engine.PipelineRunDetail, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+detailColumns+` FROM crawler_pipeline_run_details WHERE id = $1`, detailID)
	detail, err := scanDetail(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.PipelineRunDetail{}, fmt.Errorf("%w: detail %s", engine.ErrNotFound, detailID)
	}
	return detail, err
}

func scanJobRun(row pgx.Row) (engine.CrawlerJobRun, error) {
	var (
		run    engine.CrawlerJobRun
		status string
		params []byte
	)
	err := row.Scan(
		&run.ID, &run.JobID, &status, &run.StartedAt, &run.FinishedAt,
		&run.ExecutedCrawler, &params, &run.ResultCount, &run.DurationMs,
		&run.RetryAttempts, &run.ErrorType, &run.ErrorMessage, &run.LogPath,
		&run.PipelineRunID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.CrawlerJobRun{}, err
		}
		return engine.CrawlerJobRun{}, fmt.Errorf("scan job run row: %w", err)
	}
	run.Status = engine.RunStatus(status)
	if err := unmarshalJSON(params, &run.ParamsSnapshot); err != nil {
		return engine.CrawlerJobRun{}, err
	}
	return run, nil
}

func scanPipelineRun(row pgx.Row) (engine.PipelineRun, error) {
	var (
		run     engine.PipelineRun
		runType string
		status  string
	)
	err := row.Scan(
		&run.ID, &runType, &status, &run.TotalCrawlers, &run.SuccessfulCrawlers,
		&run.FailedCrawlers, &run.TotalArticles, &run.StartedAt, &run.FinishedAt,
		&run.ErrorMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.PipelineRun{}, err
		}
		return engine.PipelineRun{}, fmt.Errorf("scan pipeline run row: %w", err)
	}
	run.RunType = engine.PipelineRunType(runType)
	run.Status = engine.PipelineStatus(status)
	return run, nil
}

func scanDetail(row pgx.Row) (engine.PipelineRunDetail, error) {
	var (
		detail   engine.PipelineRunDetail
		status   string
		snapshot []byte
	)
	err := row.Scan(
		&detail.ID, &detail.RunID, &detail.CrawlerName, &detail.SourceID,
		&status, &detail.StartedAt, &detail.FinishedAt, &detail.ResultCount,
		&detail.DurationMs, &detail.AttemptNumber, &detail.MaxAttempts,
		&detail.ErrorType, &detail.ErrorMessage, &detail.LogPath, &snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.PipelineRunDetail{}, err
		}
		return engine.PipelineRunDetail{}, fmt.Errorf("scan pipeline detail row: %w", err)
	}
	detail.Status = engine.RunStatus(status)
	if err := unmarshalJSON(snapshot, &detail.ConfigSnapshot); err != nil {
		return engine.PipelineRunDetail{}, err
	}
	return detail, nil
}
