package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/regintel/crawl-engine/internal/engine"
)

func (s *Server) runPipeline(w http.ResponseWriter, r *http.Request) {
	s.runPipelineSync(w, r, engine.PipelineRunFull)
}

func (s *Server) quickRunPipeline(w http.ResponseWriter, r *http.Request) {
	s.runPipelineSync(w, r, engine.PipelineRunQuick)
}

// runPipelineSync executes the whole batch before responding, so the caller
// gets the terminal record and its counters in one round trip. A dropped
// request cancels the batch; unstarted units are recorded as skipped.
func (s *Server) runPipelineSync(w http.ResponseWriter, r *http.Request, runType engine.PipelineRunType) {
	run, err := s.orch.Run(r.Context(), runType)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) listPipelineRuns(w http.ResponseWriter, r *http.Request) {
	filter := engine.PipelineRunFilter{
		RunType: engine.PipelineRunType(r.URL.Query().Get("run_type")),
		Status:  engine.PipelineStatus(r.URL.Query().Get("status")),
		Limit:   queryInt(r, "limit", 20),
		Offset:  queryInt(r, "offset", 0),
	}
	runs, total, err := s.store.ListPipelineRuns(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) getPipelineRun(w http.ResponseWriter, r *http.Request) {
	run, details, err := s.store.GetPipelineRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"run": run, "details": details})
}

// retryDetail replays one failed unit as a fresh manual_retry run.
func (s *Server) retryDetail(w http.ResponseWriter, r *http.Request) {
	run, err := s.recov.RetryDetail(s.baseContext(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"run": run})
}

func (s *Server) getDetailLog(w http.ResponseWriter, r *http.Request) {
	detail, err := s.store.GetDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if detail.LogPath == "" {
		writeError(w, http.StatusNotFound, "detail has no log artifact")
		return
	}
	lines, truncated, err := s.logs.Tail(detail.LogPath, queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, http.StatusNotFound, "log artifact unavailable")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"lines": lines, "truncated": truncated})
}

func (s *Server) resetEngine(w http.ResponseWriter, r *http.Request) {
	result, err := s.resetSvc.Reset(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}
