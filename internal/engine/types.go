// Package engine defines core types shared across subsystems.
package engine

import (
	"time"
)

// JobType distinguishes recurring jobs from one-shot definitions.
type JobType string

// Job type values persisted on crawler jobs.
const (
	JobTypeScheduled JobType = "scheduled"
	JobTypeOneOff    JobType = "one_off"
)

// RunStatus represents the lifecycle state of a single execution.
type RunStatus string

// Run status values persisted on job runs and pipeline details.
const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

// PipelineRunType identifies what initiated a pipeline run.
type PipelineRunType string

// Pipeline run type values.
const (
	PipelineRunFull        PipelineRunType = "full"
	PipelineRunQuick       PipelineRunType = "quick"
	PipelineRunJob         PipelineRunType = "job"
	PipelineRunManualRetry PipelineRunType = "manual_retry"
)

// PipelineStatus is the aggregate state of a pipeline run.
type PipelineStatus string

// Pipeline status values.
const (
	PipelineStatusRunning        PipelineStatus = "running"
	PipelineStatusSuccess        PipelineStatus = "success"
	PipelineStatusPartialFailure PipelineStatus = "partial_failure"
	PipelineStatusFailed         PipelineStatus = "failed"
)

// CrawlerMeta describes one registered crawler unit. Immutable after
// registration.
type CrawlerMeta struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Payload carries opaque per-run overrides handed to a crawler unit.
type Payload map[string]any

// Clone returns a shallow copy so callers can apply overrides without
// mutating the stored payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge overlays other onto a copy of p; keys in other win.
func (p Payload) Merge(other Payload) Payload {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Int reads an integer payload key, tolerating the float64 shape JSON
// decoding produces.
func (p Payload) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// RetryConfig controls executor retry behavior for one job or unit.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffBaseMs     int     `json:"backoff_base_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	BackoffMaxMs      int     `json:"backoff_max_ms"`
}

// WithDefaults fills zero fields from the provided fallback.
func (c RetryConfig) WithDefaults(def RetryConfig) RetryConfig {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.BackoffBaseMs <= 0 {
		out.BackoffBaseMs = def.BackoffBaseMs
	}
	if out.BackoffMultiplier <= 0 {
		out.BackoffMultiplier = def.BackoffMultiplier
	}
	if out.BackoffMaxMs <= 0 {
		out.BackoffMaxMs = def.BackoffMaxMs
	}
	return out
}

// CrawlerJob is a persisted, schedulable unit of work referencing a
// registered crawler by name.
type CrawlerJob struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	CrawlerName     string      `json:"crawler_name"`
	SourceID        string      `json:"source_id"`
	JobType         JobType     `json:"job_type"`
	ScheduleCron    string      `json:"schedule_cron,omitempty"`
	IntervalMinutes int         `json:"interval_minutes,omitempty"`
	Payload         Payload     `json:"payload"`
	RetryConfig     RetryConfig `json:"retry_config"`
	Enabled         bool        `json:"enabled"`
	NextRunAt       *time.Time  `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time  `json:"last_run_at,omitempty"`
	LastStatus      RunStatus   `json:"last_status,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// CrawlerJobRun is one execution record of a job or ad-hoc trigger.
// Terminal once FinishedAt is set; a retry produces a new record.
type CrawlerJobRun struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id,omitempty"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ExecutedCrawler string     `json:"executed_crawler"`
	ParamsSnapshot  Payload    `json:"params_snapshot,omitempty"`
	ResultCount     int        `json:"result_count"`
	DurationMs      int64      `json:"duration_ms"`
	RetryAttempts   int        `json:"retry_attempts"`
	ErrorType       string     `json:"error_type,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	LogPath         string     `json:"log_path,omitempty"`
	PipelineRunID   string     `json:"pipeline_run_id,omitempty"`
}

// PipelineRun aggregates one orchestrator invocation across multiple units.
type PipelineRun struct {
	ID                 string          `json:"id"`
	RunType            PipelineRunType `json:"run_type"`
	Status             PipelineStatus  `json:"status"`
	TotalCrawlers      int             `json:"total_crawlers"`
	SuccessfulCrawlers int             `json:"successful_crawlers"`
	FailedCrawlers     int             `json:"failed_crawlers"`
	TotalArticles      int             `json:"total_articles"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
}

// PipelineRunDetail is the per-unit outcome record within a pipeline run.
type PipelineRunDetail struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	CrawlerName    string         `json:"crawler_name"`
	SourceID       string         `json:"source_id,omitempty"`
	Status         RunStatus      `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	ResultCount    int            `json:"result_count"`
	DurationMs     int64          `json:"duration_ms"`
	AttemptNumber  int            `json:"attempt_number"`
	MaxAttempts    int            `json:"max_attempts"`
	ErrorType      string         `json:"error_type,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	LogPath        string         `json:"log_path,omitempty"`
	ConfigSnapshot ConfigSnapshot `json:"config_snapshot,omitempty"`
}

// ConfigSnapshot preserves the execution context a detail ran with so the
// recovery controller can replay it.
type ConfigSnapshot struct {
	Payload     Payload     `json:"payload,omitempty"`
	RetryConfig RetryConfig `json:"retry_config"`
	SourceID    string      `json:"source_id,omitempty"`
}

// Empty reports whether the snapshot carries no replayable context. A
// key-less payload counts as empty: store round-trips clone nil payloads
// into empty maps.
func (s ConfigSnapshot) Empty() bool {
	return len(s.Payload) == 0 && s.RetryConfig == (RetryConfig{}) && s.SourceID == ""
}

// Item is one collected record produced by a crawler unit.
type Item struct {
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title,omitempty"`
	RawPayload  []byte    `json:"raw_payload,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

// CrawlResult is what a unit returns from one invocation. Zero items with a
// nil error is still a success.
type CrawlResult struct {
	Items []Item
}

// ExecutionResult captures the terminal outcome of one executor call.
type ExecutionResult struct {
	Status       RunStatus `json:"status"`
	ResultCount  int       `json:"result_count"`
	DurationMs   int64     `json:"duration_ms"`
	Attempts     int       `json:"attempts"`
	ErrorType    string    `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	LogPath      string    `json:"log_path,omitempty"`
	Items        []Item    `json:"-"`
}

// DerivePipelineStatus applies the aggregate status rule: success when all
// details succeeded, failed when all failed, partial_failure otherwise.
// An empty batch is trivially successful.
func DerivePipelineStatus(successful, failed int) PipelineStatus {
	switch {
	case failed == 0:
		return PipelineStatusSuccess
	case successful == 0:
		return PipelineStatusFailed
	default:
		return PipelineStatusPartialFailure
	}
}

// IsTerminal reports whether a pipeline status is final.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineStatusSuccess, PipelineStatusPartialFailure, PipelineStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a run status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusSkipped:
		return true
	default:
		return false
	}
}
