package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Version is reported by /health. Set from main at build time.
var Version = "dev"

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Session string `json:"session,omitempty"`
}

// handleHealth handles health check requests. The daemon is healthy even
// when no session is active.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
	}
	if s.session != nil {
		resp.Session = s.session.Status().State.String()
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode response", "error", err)
	}
}

// errorResponse is the JSON body of every API error.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
