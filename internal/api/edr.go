package api

import (
	"encoding/json"
	"net/http"

	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/killswitch"
	"github.com/blockremote/backend/internal/middleware"
	"github.com/blockremote/backend/internal/monitoring"
	"github.com/blockremote/backend/internal/store"
	"github.com/blockremote/backend/internal/threat"
)

// handleEDRReport scores an agent report. High and critical verdicts land
// in the audit trail; critical additionally revokes the device and pushes
// an immediate quarantine to any open socket.
func (s *Server) handleEDRReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.ClaimsFrom(ctx)

	var report threat.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed report")
		return
	}
	if err := assertDevice(claims, report.DeviceID); err != nil {
		writeError(w, err)
		return
	}

	result := threat.ComputeRisk(&report)

	if result.RiskLevel == threat.LevelHigh || result.RiskLevel == threat.LevelCritical {
		if err := s.store.InsertAudit(ctx, store.AuditLog{
			UserID:      claims.Subject,
			DeviceID:    report.DeviceID,
			ThreatLevel: result.RiskLevel,
			Reason:      result.AuditReason(),
		}); err != nil {
			s.log.Printf("edr audit insert failed device=%s: %v", report.DeviceID, err)
		}
	}

	if result.RiskLevel == threat.LevelCritical {
		if err := s.tokens.RevokeAndBlock(ctx, claims.Subject, report.DeviceID, "edr_critical", 0, true); err != nil {
			s.log.Printf("edr revoke failed device=%s: %v", report.DeviceID, err)
		}
		if err := s.redis.Publish(ctx, infra.KillSwitchChannel, killswitch.QuarantineMessage(report.DeviceID)); err != nil {
			s.log.Printf("quarantine publish failed device=%s: %v", report.DeviceID, err)
		}
		monitoring.Revocations.WithLabelValues("edr").Inc()
	}

	writeJSON(w, http.StatusOK, result)
}
