package httpapi

import (
	"net/http"
	"strings"

	"github.com/antoniostano/parakeet/internal/observability"
)

// handlePerfLatency serves the rolling latency window. ?stage= narrows the
// report to one stage.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.SnapshotTurnStages()
	if stage := strings.TrimSpace(r.URL.Query().Get("stage")); stage != "" {
		filtered := make([]observability.TurnStageStats, 0, 1)
		for _, st := range snap.Stages {
			if st.Stage == stage {
				filtered = append(filtered, st)
			}
		}
		snap.Stages = filtered
	}
	respondJSON(w, http.StatusOK, snap)
}
