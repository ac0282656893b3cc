package security

import "errors"

// Sentinel errors mapped to HTTP statuses at the API boundary.
var (
	// ErrTokenInvalid covers missing/garbled tokens, bad signatures,
	// expiry, and nbf/iat violations (401).
	ErrTokenInvalid = errors.New("token verification failed")

	// ErrWrongTokenType is returned when typ does not match the endpoint
	// (access vs refresh) (401).
	ErrWrongTokenType = errors.New("unexpected token type")

	// ErrDeviceMismatch means the token is bound to a different device (403).
	ErrDeviceMismatch = errors.New("token not authorized for this device")

	// ErrDeviceRevoked means a revocation marker is set for the device or
	// jti (403).
	ErrDeviceRevoked = errors.New("device revoked")

	// ErrRefreshReused signals a replayed refresh token; the device has
	// been revoked as a side effect (403).
	ErrRefreshReused = errors.New("refresh token reused or revoked")

	// ErrRateLimited is the per-device refresh gate (429).
	ErrRateLimited = errors.New("too many refresh attempts")

	// ErrKeyUnavailable means no signing/verification key could be
	// resolved (503).
	ErrKeyUnavailable = errors.New("signing key unavailable")

	// ErrConfigMissing is raised when a required secret is absent at
	// request time (500).
	ErrConfigMissing = errors.New("security configuration missing")
)
