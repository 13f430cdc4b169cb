package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/model"
	"github.com/rendis/procflow/internal/runner"
	"github.com/rendis/procflow/internal/scheduler"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/internal/streaming"
)

// RunnerStats reports runner counters.
type RunnerStats interface {
	Stats() runner.Stats
}

// Deps holds the dependencies of the API server. Scheduler, Runner, Hub and
// Gatherer are optional; their routes answer 404 or 503 without them.
type Deps struct {
	Launcher  *engine.Launcher
	Models    model.Manager
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Runner    RunnerStats
	Hub       streaming.EventHub
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// Server is the HTTP admin API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	deps.Logger = logging.OrNop(deps.Logger).With("component", "api")
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/models", s.handleListModels)
		r.Get("/models/{model}/processes/{process}/diagram", s.handleDiagram)

		r.Post("/tokens", s.handleStartToken)
		r.Get("/tokens/{id}", s.handleGetToken)
		r.Get("/tokens/{id}/children", s.handleTokenChildren)
		r.Post("/tokens/{id}/resume", s.handleResumeToken)
		r.Post("/tokens/{id}/abort", s.handleAbortToken)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks/{id}/resume", s.handleResumeTask)

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleCreateJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)

		r.Get("/runner", s.handleRunnerStats)
	})

	r.Get("/sse/events", s.handleSSE)
	r.Get("/sse/tokens/{id}", s.handleSSEToken)

	return r
}

// logRequests logs each request once it completed.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.deps.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
