package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/avelieva/linksentry/internal/config"
	"github.com/avelieva/linksentry/internal/manifest"
	"github.com/avelieva/linksentry/internal/metrics"
	"github.com/avelieva/linksentry/internal/orchestrator"
)

// Server wires HTTP handlers to the job registry and history store.
type Server struct {
	router  chi.Router
	jobs    *orchestrator.Registry
	history *HistoryHandler
	clock   interface{ Now() time.Time }
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs *orchestrator.Registry,
	historyRepo HistoryRepository,
	httpMetrics *metrics.HTTP,
	gatherer prometheus.Gatherer,
	clock interface{ Now() time.Time },
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:    jobs,
		history: NewHistoryHandler(historyRepo, logger),
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware)
	}
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.startJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/results", s.getJobResults)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.history.ListSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.history.GetSession)
				r.Get("/results", s.history.SessionResults)
				r.Delete("/", s.history.DeleteSession)
			})
		})
		r.Get("/trend", s.history.Trend)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startJobRequest struct {
	JobID           string   `json:"job_id"`
	SeedURLs        []string `json:"seed_urls"`
	MaxDepth        *int     `json:"max_depth"`
	WorkerCount     *int     `json:"worker_count"`
	IncludeExternal bool     `json:"include_external"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	man, err := s.toManifest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := s.jobs.Start(r.Context(), man)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrJobActive):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, manifest.ErrMismatch):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, o.State(r.Context()))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.List(r.Context())})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o.State(r.Context()))
}

func (s *Server) getJobResults(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	offset, err := parseOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, next := o.ResultsSince(offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"results":     results,
		"next_offset": next,
	})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if err := o.Pause(r.Context()); err != nil {
		writePhaseError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, o.State(r.Context()))
}

type resumeJobRequest struct {
	WorkerCount *int `json:"worker_count"`
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	man := o.Manifest()
	var req resumeJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.WorkerCount != nil {
		man.WorkerCount = *req.WorkerCount
	}
	if err := o.Resume(r.Context(), man); err != nil {
		switch {
		case errors.Is(err, manifest.ErrMismatch):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writePhaseError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, o.State(r.Context()))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if err := o.Cancel(r.Context()); err != nil {
		writePhaseError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, o.State(r.Context()))
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*orchestrator.Orchestrator, bool) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return nil, false
	}
	o, err := s.jobs.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return o, true
}

func (s *Server) toManifest(req startJobRequest) (manifest.Manifest, error) {
	if len(req.SeedURLs) == 0 {
		return manifest.Manifest{}, errors.New("seed_urls required")
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	man := manifest.Manifest{
		JobID:           jobID,
		SeedURLs:        req.SeedURLs,
		MaxDepth:        valueOrDefault(req.MaxDepth, s.cfg.Job.MaxDepthDefault),
		WorkerCount:     valueOrDefault(req.WorkerCount, s.cfg.Job.WorkerDefault),
		IncludeExternal: req.IncludeExternal,
		CreatedAt:       s.clock.Now(),
	}
	if err := man.Validate(); err != nil {
		return manifest.Manifest{}, err
	}
	return man, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func writePhaseError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrPhase) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
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
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
