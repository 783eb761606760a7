package server

import (
	"net/http"

	"github.com/hiltonbrown/xero-mcp-server/internal/apperr"
)

// sweepResponse reports what a maintenance sweep removed.
type sweepResponse struct {
	Status          string `json:"status"`
	ExpiredStates   int    `json:"expiredStates"`
	ExpiredSessions int    `json:"expiredSessions"`
}

// handleSweep removes expired auth states and sessions.
func (s *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := s.maintenance.Sweep(r.Context())
	if err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, "sweep_failed", "maintenance sweep failed", apperr.KindInternal)
		return
	}

	writeJSON(w, http.StatusOK, sweepResponse{
		Status:          "ok",
		ExpiredStates:   stats.States,
		ExpiredSessions: stats.Sessions,
	})
}

// refreshResponse reports the outcome of a proactive refresh pass.
type refreshResponse struct {
	Status    string `json:"status"`
	Refreshed int    `json:"refreshed"`
	Failed    int    `json:"failed"`
}

// handleRefresh proactively refreshes tokens nearing expiry, for deployments
// driving maintenance from an external scheduler.
func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refreshed, failed := s.maintenance.RefreshTokens(r.Context())

	writeJSON(w, http.StatusOK, refreshResponse{
		Status:    "ok",
		Refreshed: refreshed,
		Failed:    failed,
	})
}
