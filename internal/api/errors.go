package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/blockremote/backend/internal/access"
	"github.com/blockremote/backend/internal/security"
)

// Handler-local sentinels for states without a service-level error.
var (
	errDeviceBlocked = errors.New("device blocked")
	errNotFound      = errors.New("not found")
)

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail writes the `{"detail": ...}` error shape every surface uses.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps service errors onto the HTTP taxonomy.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, security.ErrTokenInvalid), errors.Is(err, security.ErrWrongTokenType):
		writeDetail(w, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, security.ErrDeviceMismatch):
		writeDetail(w, http.StatusForbidden, "Token not authorized for this device")
	case errors.Is(err, security.ErrDeviceRevoked):
		writeDetail(w, http.StatusForbidden, "Device revoked")
	case errors.Is(err, security.ErrRefreshReused):
		writeDetail(w, http.StatusForbidden, "Refresh token reused or revoked")
	case errors.Is(err, security.ErrRateLimited):
		writeDetail(w, http.StatusTooManyRequests, "Too many refresh attempts")
	case errors.Is(err, security.ErrKeyUnavailable):
		writeDetail(w, http.StatusServiceUnavailable, "Signing keys unavailable")
	case errors.Is(err, access.ErrAttestationRequired):
		writeDetail(w, http.StatusForbidden, "Attestation required for new device")
	case errors.Is(err, access.ErrAttestationFailed):
		writeDetail(w, http.StatusForbidden, "Attestation failed")
	case errors.Is(err, errDeviceBlocked):
		writeDetail(w, http.StatusLocked, "Device blocked")
	case errors.Is(err, errNotFound):
		writeDetail(w, http.StatusNotFound, "Not found")
	default:
		writeDetail(w, http.StatusInternalServerError, "Internal error")
	}
}

// assertDevice enforces the token-to-device binding on request bodies and
// query parameters.
func assertDevice(claims *security.Claims, deviceID string) error {
	if claims == nil || claims.DeviceID != deviceID {
		return security.ErrDeviceMismatch
	}
	return nil
}
