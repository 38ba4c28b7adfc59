package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Storage  string `json:"storage,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// handleHealth reports liveness and whether the token store fell back to
// memory. A degraded store still serves; it only loses persistence.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
	}
	if st := s.deps.Store; st != nil {
		resp.Storage = st.Backend()
		resp.Degraded = st.Degraded()
		if resp.Degraded {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
