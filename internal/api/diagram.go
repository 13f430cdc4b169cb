package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/procflow/internal/diagram"
	"github.com/rendis/procflow/internal/store"
)

// handleDiagram renders a process. ?format= mermaid (default), png, svg or
// dot; ?token= overlays a token's position; ?data=1 draws data links.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	ref := "/" + chi.URLParam(r, "model") + "/" + chi.URLParam(r, "process")
	p, err := s.deps.Models.Process(ref)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	q := r.URL.Query()
	var tc *store.TokenContext
	if id := q.Get("token"); id != "" {
		if tc, err = s.deps.Launcher.Token(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
	}

	m, err := diagram.Build(p, tc, diagram.Options{
		DataLinks:  q.Get("data") == "1",
		Subprocess: q.Get("subprocess") == "1",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	format := q.Get("format")
	if format == "" || format == "mermaid" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(m)))
		return
	}

	img, err := diagram.RenderImage(r.Context(), m, diagram.ImageFormat(format))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch diagram.ImageFormat(format) {
	case diagram.FormatPNG:
		w.Header().Set("Content-Type", "image/png")
	case diagram.FormatSVG:
		w.Header().Set("Content-Type", "image/svg+xml")
	default:
		w.Header().Set("Content-Type", "text/vnd.graphviz")
	}
	_, _ = w.Write(img)
}
