package handlers

import (
	"net/http"
	"os"
)

type HealthResponse struct {
	Status     string `json:"status"`
	Connectors int    `json:"connectors,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Health returns the health status of the server
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready reports whether connectors are registered and the archive directory
// is usable.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	n := len(a.Connectors.IDs())
	if n == 0 {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Reason: "no connector configured"})
		return
	}
	if _, err := os.Stat(a.Archives.Dir()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Reason: "archive directory missing"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Connectors: n})
}
