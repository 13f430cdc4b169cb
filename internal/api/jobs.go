package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/procflow/internal/store"
)

type createJobRequest struct {
	Ref      string         `json:"ref"`
	Cron     string         `json:"cron"`
	Params   map[string]any `json:"params"`
	Priority int            `json:"priority"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListScheduledJobs(r.Context(), store.ScheduledJobFilter{
		ProcessRef: r.URL.Query().Get("ref"),
		Limit:      queryInt(r, "limit", 100),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleCreateJob schedules a process start.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	var body createJobRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Ref == "" || body.Cron == "" {
		writeError(w, http.StatusBadRequest, "ref and cron are required")
		return
	}
	if _, err := s.deps.Models.Process(body.Ref); err != nil {
		writeEngineError(w, err)
		return
	}

	job, err := s.deps.Scheduler.Schedule(r.Context(), body.Ref, body.Cron, body.Params, body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteScheduledJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
