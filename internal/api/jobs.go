package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/scheduler"
)

type createJobRequest struct {
	Name            string              `json:"name"`
	CrawlerName     string              `json:"crawler_name"`
	SourceID        string              `json:"source_id"`
	JobType         string              `json:"job_type"`
	ScheduleCron    string              `json:"schedule_cron"`
	IntervalMinutes int                 `json:"interval_minutes"`
	Payload         engine.Payload      `json:"payload"`
	RetryConfig     *engine.RetryConfig `json:"retry_config"`
	Enabled         *bool               `json:"enabled"`
}

type updateJobRequest struct {
	Name            *string             `json:"name"`
	CrawlerName     *string             `json:"crawler_name"`
	SourceID        *string             `json:"source_id"`
	ScheduleCron    *string             `json:"schedule_cron"`
	IntervalMinutes *int                `json:"interval_minutes"`
	Payload         *engine.Payload     `json:"payload"`
	RetryConfig     *engine.RetryConfig `json:"retry_config"`
	Enabled         *bool               `json:"enabled"`
}

func (s *Server) listCrawlerMeta(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"crawlers": s.registry.List()})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"items": jobs, "total": len(jobs)})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" || req.CrawlerName == "" {
		writeError(w, http.StatusBadRequest, "name and crawler_name are required")
		return
	}
	if _, err := s.registry.Resolve(req.CrawlerName); err != nil {
		writeEngineError(w, err)
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generating job id failed")
		return
	}
	now := s.clock.Now()
	job := engine.CrawlerJob{
		ID:              jobID,
		Name:            req.Name,
		CrawlerName:     req.CrawlerName,
		SourceID:        req.SourceID,
		JobType:         engine.JobType(req.JobType),
		ScheduleCron:    req.ScheduleCron,
		IntervalMinutes: req.IntervalMinutes,
		Payload:         req.Payload,
		RetryConfig:     s.cfg.RetryDefaults(),
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if job.JobType == "" {
		job.JobType = engine.JobTypeScheduled
	}
	if req.RetryConfig != nil {
		job.RetryConfig = req.RetryConfig.WithDefaults(s.cfg.RetryDefaults())
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}

	if err := scheduler.ValidateSchedule(job); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.seedNextRun(&job, now); err != nil {
		writeEngineError(w, err)
		return
	}

	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"job": job})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	scheduleChanged := false
	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.CrawlerName != nil {
		if _, err := s.registry.Resolve(*req.CrawlerName); err != nil {
			writeEngineError(w, err)
			return
		}
		job.CrawlerName = *req.CrawlerName
	}
	if req.SourceID != nil {
		job.SourceID = *req.SourceID
	}
	if req.ScheduleCron != nil {
		job.ScheduleCron = *req.ScheduleCron
		scheduleChanged = true
	}
	if req.IntervalMinutes != nil {
		job.IntervalMinutes = *req.IntervalMinutes
		scheduleChanged = true
	}
	if req.Payload != nil {
		job.Payload = *req.Payload
	}
	if req.RetryConfig != nil {
		job.RetryConfig = req.RetryConfig.WithDefaults(s.cfg.RetryDefaults())
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}

	if err := scheduler.ValidateSchedule(job); err != nil {
		writeEngineError(w, err)
		return
	}
	now := s.clock.Now()
	if scheduleChanged {
		if err := s.seedNextRun(&job, now); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	job.UpdatedAt = now

	if err := s.store.UpdateJob(r.Context(), job); err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.store.DeleteJob(r.Context(), jobID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) listJobRuns(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		writeEngineError(w, err)
		return
	}
	runs, err := s.store.ListJobRuns(r.Context(), jobID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"items": runs, "total": len(runs)})
}

// triggerJob runs a job immediately. The schedule is left untouched: a manual
// trigger changes last_run_at and last_status, never next_run_at.
func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var override engine.Payload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	run, err := s.exec.RunJob(r.Context(), job, override)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.store.RecordJobOutcome(r.Context(), job.ID, s.clock.Now(), run.Status); err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) getJobRunLog(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetJobRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if run.LogPath == "" {
		writeError(w, http.StatusNotFound, "run has no log artifact")
		return
	}
	lines, truncated, err := s.logs.Tail(run.LogPath, queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, http.StatusNotFound, "log artifact unavailable")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"lines": lines, "truncated": truncated})
}

// seedNextRun computes the first fire time. One-off jobs fire once,
// immediately, when enabled.
func (s *Server) seedNextRun(job *engine.CrawlerJob, now time.Time) error {
	if job.JobType == engine.JobTypeOneOff {
		if job.Enabled {
			t := now
			job.NextRunAt = &t
		} else {
			job.NextRunAt = nil
		}
		return nil
	}
	next, err := scheduler.NextRun(*job, now)
	if err != nil {
		return err
	}
	job.NextRunAt = next
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
