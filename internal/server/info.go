package server

import (
	"net/http"

	"github.com/xrouter/llmgw/internal/serverinfo"
)

// handleHealth reports process liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleInfoJSON serves the server info envelope.
func (s *Server) handleInfoJSON(w http.ResponseWriter, r *http.Request) {
	info, err := s.info.Collect(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleInfoTable serves the server info as a plain-text table.
func (s *Server) handleInfoTable(w http.ResponseWriter, r *http.Request) {
	info, err := s.info.Collect(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(serverinfo.Table(info))); err != nil {
		s.log.Error("failed to write info table", "error", err)
	}
}
