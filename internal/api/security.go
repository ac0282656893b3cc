package api

import (
	"net/http"
	"strconv"

	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/middleware"
)

// TrustScoreOut is the synchronous trust verdict.
type TrustScoreOut struct {
	DeviceID string `json:"device_id"`
	Score    int    `json:"score"`
	Verdict  string `json:"verdict"`
}

// handleTrustScore returns the analyzer's last decision, defaulting to 80
// while no decision is cached for the device.
func (s *Server) handleTrustScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.ClaimsFrom(ctx)
	deviceID := r.URL.Query().Get("device_id")
	if err := assertDevice(claims, deviceID); err != nil {
		writeError(w, err)
		return
	}

	score := 80
	if raw, err := s.redis.Get(ctx, infra.KeyDecision(deviceID)); err == nil {
		if v, err := strconv.Atoi(raw); err == nil {
			score = v
		}
	}
	verdict := "safe"
	if score < 50 {
		verdict = "block"
	}
	writeJSON(w, http.StatusOK, TrustScoreOut{DeviceID: deviceID, Score: score, Verdict: verdict})
}
