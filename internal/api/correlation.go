package api

import (
	"net/http"

	"github.com/aegisfabric/aegis/internal/correlation"
)

func (s *Server) handleListPoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.correlation.Points())
}

func (s *Server) handleRegisterPoint(w http.ResponseWriter, r *http.Request) {
	var p correlation.DetectionPoint
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if err := s.correlation.RegisterPoint(p); err != nil {
		writeError(w, err)
		return
	}
	if err := s.st.SavePoint(r.Context(), p); err != nil {
		s.logger.Warn("detection point persistence failed", "point", p.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.correlation.Tracks())
}
