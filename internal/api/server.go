// Package api exposes the HTTP control surface for the crawl engine.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/config"
	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/executor"
	"github.com/regintel/crawl-engine/internal/logstore"
	"github.com/regintel/crawl-engine/internal/metrics"
	"github.com/regintel/crawl-engine/internal/pipeline"
	"github.com/regintel/crawl-engine/internal/recovery"
	"github.com/regintel/crawl-engine/internal/registry"
	"github.com/regintel/crawl-engine/internal/reset"
)

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the engine subsystems.
type Server struct {
	router    chi.Router
	baseCtx   context.Context
	store     engine.Store
	registry  *registry.Registry
	exec      *executor.Executor
	orch      *pipeline.Orchestrator
	recov     *recovery.Controller
	resetSvc  *reset.Service
	logs      *logstore.Store
	publisher Pinger
	idGen     engine.IDGenerator
	clock     engine.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. baseCtx bounds
// the lifetime of pipeline runs launched from requests; cancel it on
// shutdown.
func NewServer(
	baseCtx context.Context,
	store engine.Store,
	reg *registry.Registry,
	exec *executor.Executor,
	orch *pipeline.Orchestrator,
	recov *recovery.Controller,
	resetSvc *reset.Service,
	logs *logstore.Store,
	publisher Pinger,
	idGen engine.IDGenerator,
	clock engine.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Server{
		baseCtx:   baseCtx,
		store:     store,
		registry:  reg,
		exec:      exec,
		orch:      orch,
		recov:     recov,
		resetSvc:  resetSvc,
		logs:      logs,
		publisher: publisher,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/crawlers/meta", s.listCrawlerMeta)

		r.Route("/crawler-jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.createJob)
			r.Get("/runs/{run_id}/log", s.getJobRunLog)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Patch("/", s.updateJob)
				r.Delete("/", s.deleteJob)
				r.Get("/runs", s.listJobRuns)
				r.Post("/run", s.triggerJob)
			})
		})

		r.Route("/pipeline", func(r chi.Router) {
			r.Post("/run", s.runPipeline)
			r.Post("/quick-run", s.quickRunPipeline)
			r.Post("/reset", s.resetEngine)
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.listPipelineRuns)
				r.Get("/{id}", s.getPipelineRun)
				r.Post("/{id}/retry", s.retryDetail)
				r.Get("/{id}/log", s.getDetailLog)
			})
		})

		r.Get("/outbox/health", s.outboxHealth)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) baseContext() context.Context {
	return s.baseCtx
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListJobs(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) outboxHealth(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "outbox not configured")
		return
	}
	if err := s.publisher.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("outbox unreachable: %v", err))
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
			)
			metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, elapsed)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
