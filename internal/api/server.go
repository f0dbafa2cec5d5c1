// Package api exposes the HTTP interface for the job service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/forge"
	"github.com/calebmoore/forged/internal/history"
	"github.com/calebmoore/forged/internal/metrics"
	"github.com/calebmoore/forged/internal/scheduler"
)

// Options tunes server behavior.
type Options struct {
	// RequestTimeout bounds control-plane requests. Streaming endpoints
	// (events, artifact downloads) are exempt.
	RequestTimeout time.Duration
	// Gatherer backs the /metrics endpoint (defaults to the global registry).
	Gatherer prometheus.Gatherer
}

const defaultRequestTimeout = 60 * time.Second

// Server wires HTTP handlers to the scheduler and the run-history repository.
type Server struct {
	router  chi.Router
	sched   *scheduler.Scheduler
	history history.Repository // nil when history is disabled
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, hist history.Repository, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		sched:   sched,
		history: hist,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		// Control plane, bounded by the request timeout.
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Post("/jobs", s.createJob)
			r.Post("/jobs/{job_id}/start", s.startJob)
			r.Get("/jobs/{job_id}/status", s.getJobStatus)
			r.Post("/jobs/{job_id}/cancel", s.cancelJob)
			r.Delete("/jobs/{job_id}", s.deleteJob)
			r.Get("/history", s.listHistory)
			r.Get("/history/{job_id}", s.getHistoryRun)
		})
		// Streaming endpoints run unbounded; the client or the terminal
		// event ends them.
		r.Get("/jobs/{job_id}/events", s.streamEvents)
		r.Get("/jobs/{job_id}/artifacts/{name}", s.downloadArtifact)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// createJob handles POST /v1/jobs: a multipart form with an "image" part and
// a "materials" part. Parameters come later, with the start call.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	image, imageHeader, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer image.Close()

	materials, materialsHeader, err := r.FormFile("materials")
	if err != nil {
		writeError(w, http.StatusBadRequest, "materials file is required")
		return
	}
	defer materials.Close()

	job, err := s.sched.Create(r.Context(),
		imageHeader.Filename, image,
		materialsHeader.Filename, materials,
	)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": job.ID})
}

// startJob handles POST /v1/jobs/{id}/start. The optional JSON body carries
// optimization parameters; omitted fields take their defaults.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var params forge.Params
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON parameters")
			return
		}
	}

	job, err := s.sched.Start(r.Context(), chi.URLParam(r, "job_id"), params)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": toJobView(job)})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Status(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobView(job)})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.sched.Cancel(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Remove(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// downloadArtifact streams one produced file. The artifact name doubles as
// the download filename; locations stay internal.
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rc, err := s.sched.Download(r.Context(), chi.URLParam(r, "job_id"), name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact stream interrupted", zap.String("artifact", name), zap.Error(err))
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, forge.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, forge.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, forge.ErrArtifactNotFound):
		writeError(w, http.StatusNotFound, "artifact not found")
	case errors.Is(err, forge.ErrInvalidState), errors.Is(err, forge.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

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
