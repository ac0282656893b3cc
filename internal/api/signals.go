package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/blockremote/backend/internal/analyzer"
	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/middleware"
	"github.com/blockremote/backend/internal/monitoring"
	"github.com/blockremote/backend/internal/trust"
)

// HeartbeatIn is the ingest body.
type HeartbeatIn struct {
	DeviceID string              `json:"device_id"`
	Payload  trust.SensorPayload `json:"payload"`
}

// HeartbeatAck is the synchronous response; the real verdict lands in the
// decision key once the analyzer runs.
type HeartbeatAck struct {
	Status    string `json:"status"`
	TrustHint int    `json:"trust_hint"`
}

// handleHeartbeat ingests one sensor payload: durable row, recent buffer
// push, and an analyzer job. The device-posture gate fires before any
// persistence.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.ClaimsFrom(ctx)

	var in HeartbeatIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed heartbeat")
		return
	}
	if err := assertDevice(claims, in.DeviceID); err != nil {
		writeError(w, err)
		return
	}

	// Activity marker for the device pair; the plan rate limit already
	// ran in the guard.
	hbKey := infra.KeyHeartbeat(claims.Subject, in.DeviceID)
	if n, err := s.redis.Incr(ctx, hbKey); err == nil && n == 1 {
		s.redis.Expire(ctx, hbKey, time.Minute)
	}

	if state, err := s.redis.Get(ctx, infra.KeyDeviceState(in.DeviceID)); err == nil && state == "blocked" {
		writeError(w, errDeviceBlocked)
		return
	}

	// A client that lost device-admin or accessibility cannot enforce the
	// overlay, so its session ends here.
	if !in.Payload.DeviceAdminEnabled || !in.Payload.AccessibilityEnabled {
		if err := s.tokens.RevokeAndBlock(ctx, claims.Subject, in.DeviceID, "posture", time.Hour, true); err != nil {
			s.log.Printf("posture revoke failed device=%s: %v", in.DeviceID, err)
		}
		monitoring.Revocations.WithLabelValues("posture").Inc()
		writeDetail(w, http.StatusForbidden, "Trust breach: admin/accessibility revoked")
		return
	}

	raw, err := json.Marshal(in.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	signalID, err := s.store.InsertSignal(ctx, in.DeviceID, raw)
	if err != nil {
		s.log.Printf("signal insert failed device=%s: %v", in.DeviceID, err)
		writeError(w, err)
		return
	}

	if err := s.redis.LPushTrim(ctx, infra.KeySignals(in.DeviceID), string(raw), int64(s.cfg.Tuning.SignalHistoryMax)); err != nil {
		s.log.Printf("signal buffer push failed device=%s: %v", in.DeviceID, err)
	}

	job := &analyzer.Job{
		SignalID:   signalID,
		UserID:     claims.Subject,
		DeviceID:   in.DeviceID,
		Payload:    in.Payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.analyzer.Enqueue(ctx, job); err != nil {
		s.log.Printf("enqueue failed device=%s: %v", in.DeviceID, err)
	}

	monitoring.HeartbeatsTotal.Inc()
	writeJSON(w, http.StatusOK, HeartbeatAck{
		Status:    "queued",
		TrustHint: trust.TrustHint(&in.Payload),
	})
}
