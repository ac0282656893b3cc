package api

import (
	"net/http"

	"github.com/blockremote/backend/internal/middleware"
	"github.com/blockremote/backend/internal/store"
)

const auditListLimit = 200

// handleAuditLogs lists the newest threat entries for a device pair.
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.ClaimsFrom(ctx)
	deviceID := r.URL.Query().Get("device_id")
	if err := assertDevice(claims, deviceID); err != nil {
		writeError(w, err)
		return
	}

	entries, err := s.store.ListAudit(ctx, claims.Subject, deviceID, auditListLimit)
	if err != nil {
		s.log.Printf("audit list failed device=%s: %v", deviceID, err)
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []store.AuditLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}
