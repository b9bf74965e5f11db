// Package postgres provides the Postgres-backed Store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regintel/crawl-engine/internal/engine"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists engine records in Postgres.
type Store struct {
	pool dbPool
}

var _ engine.Store = (*Store)(nil)

// New creates a Store backed by a new connection pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// MarkOrphanedRuns fails every record still marked running. Called once at
// startup before the scheduler or API accept work.
func (s *Store) MarkOrphanedRuns(ctx context.Context, now time.Time) (int, error) {
	const orphanErrType = "orphaned_on_restart"
	total := 0

	tag, err := s.pool.Exec(ctx, `
UPDATE crawler_pipeline_runs
SET status = 'failed', finished_at = $1, error_message = $2
WHERE status = 'running'`, now, orphanErrType)
	if err != nil {
		return total, fmt.Errorf("orphaning pipeline runs: %w", err)
	}
	total += int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `
UPDATE crawler_pipeline_run_details
SET status = 'failed', finished_at = $1, error_type = $2
WHERE status = 'running'`, now, orphanErrType)
	if err != nil {
		return total, fmt.Errorf("orphaning pipeline details: %w", err)
	}
	total += int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `
UPDATE crawler_job_runs
SET status = 'failed', finished_at = $1, error_type = $2
WHERE status = 'running'`, now, orphanErrType)
	if err != nil {
		return total, fmt.Errorf("orphaning job runs: %w", err)
	}
	total += int(tag.RowsAffected())

	return total, nil
}

// Reset truncates all engine tables and returns their names.
func (s *Store) Reset(ctx context.Context) ([]string, error) {
	tables := []string{
		"crawler_jobs",
		"crawler_job_runs",
		"crawler_pipeline_runs",
		"crawler_pipeline_run_details",
	}
	_, err := s.pool.Exec(ctx, `
TRUNCATE crawler_jobs, crawler_job_runs, crawler_pipeline_runs, crawler_pipeline_run_details CASCADE`)
	if err != nil {
		return nil, fmt.Errorf("truncating tables: %w", err)
	}
	return tables, nil
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return data, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}
