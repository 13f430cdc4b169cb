package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

type modelSummary struct {
	Name      string   `json:"name"`
	Processes []string `json:"processes"`
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	models := s.deps.Models.Models()
	out := make([]modelSummary, 0, len(models))
	for _, m := range models {
		sum := modelSummary{Name: m.Name, Processes: make([]string, 0, len(m.Processes))}
		for _, p := range m.Processes {
			sum.Processes = append(sum.Processes, p.Qualifier())
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

type startRequest struct {
	Ref       string         `json:"ref"`
	Params    map[string]any `json:"params"`
	Priority  int            `json:"priority"`
	QueueType string         `json:"queue_type"`
}

// handleStartToken starts a token at a process or socket reference.
func (s *Server) handleStartToken(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Ref == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return
	}

	tc, err := s.deps.Launcher.Launch(r.Context(), body.Ref, body.Params, engine.LaunchOptions{
		Priority:  body.Priority,
		QueueType: body.QueueType,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.deps.Logger.Info("token started", "token_id", tc.ID, "ref", body.Ref)
	writeJSON(w, http.StatusCreated, tc)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tc, err := s.deps.Launcher.Token(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleTokenChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.deps.Launcher.Children(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if children == nil {
		children = []*store.TokenContext{}
	}
	writeJSON(w, http.StatusOK, children)
}

func (s *Server) handleResumeToken(w http.ResponseWriter, r *http.Request) {
	tc, err := s.deps.Launcher.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleAbortToken(w http.ResponseWriter, r *http.Request) {
	tc, err := s.deps.Launcher.Abort(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.deps.Launcher.Tasks(r.Context(), store.TaskCriteria{
		TokenID: q.Get("token_id"),
		Status:  schema.WorkflowTaskStatus(q.Get("status")),
		RoleID:  q.Get("role"),
		UserID:  q.Get("user"),
		Limit:   queryInt(r, "limit", 100),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*store.WorkflowTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type resumeTaskRequest struct {
	Socket string `json:"socket"`
	UserID string `json:"user_id"`
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	var body resumeTaskRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tc, err := s.deps.Launcher.ResumeTask(r.Context(), chi.URLParam(r, "id"), body.Socket, body.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleRunnerStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runner.Stats())
}
