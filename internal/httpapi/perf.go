package httpapi

import (
	"net/http"
	"strings"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	if strings.EqualFold(r.URL.Query().Get("reset"), "true") {
		defer s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}
