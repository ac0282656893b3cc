package api

import (
	"encoding/json"
	"net/http"

	"github.com/blockremote/backend/internal/middleware"
	"github.com/blockremote/backend/internal/monitoring"
)

// RefreshIn redeems a refresh token. The fingerprint must match the one
// the pair was issued against or the session record will not be found.
type RefreshIn struct {
	RefreshToken string `json:"refresh_token"`
	Fingerprint  string `json:"fingerprint"`
}

// handleRefresh rotates the token pair.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in RefreshIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.RefreshToken == "" {
		writeDetail(w, http.StatusBadRequest, "Malformed body")
		return
	}

	pair, err := s.tokens.Refresh(r.Context(), in.RefreshToken, in.Fingerprint)
	if err != nil {
		monitoring.TokenFailures.WithLabelValues("refresh").Inc()
		writeError(w, err)
		return
	}
	monitoring.TokensIssued.WithLabelValues("refresh").Inc()
	writeJSON(w, http.StatusOK, pair)
}

// LogoutIn tears down the device session.
type LogoutIn struct {
	DeviceID string `json:"device_id"`
	Block    bool   `json:"block"`
}

// handleLogout revokes the presented token and the device's refresh
// sessions. Block additionally pushes the kill-switch message to any open
// socket.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.ClaimsFrom(ctx)

	var in LogoutIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed body")
		return
	}
	if err := assertDevice(claims, in.DeviceID); err != nil {
		writeError(w, err)
		return
	}

	if err := s.tokens.Logout(ctx, claims, in.Block); err != nil {
		writeError(w, err)
		return
	}
	monitoring.Revocations.WithLabelValues("logout").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
