package infra

import "fmt"

// KillSwitchChannel is the pub/sub channel carrying block and quarantine
// commands to every API instance.
const KillSwitchChannel = "kill-switch"

// Redis key layout. Every coordination key used by the control plane is
// built here so the schema stays in one place.

// KeyRefresh is the single-use refresh session record, bound to user,
// device, token id, and client fingerprint hash.
func KeyRefresh(userID, deviceID, jti, fpHash string) string {
	return fmt.Sprintf("refresh:%s:%s:%s:%s", userID, deviceID, jti, fpHash)
}

// KeyRefreshPattern matches every refresh session for a device pair.
func KeyRefreshPattern(userID, deviceID string) string {
	return fmt.Sprintf("refresh:%s:%s:*", userID, deviceID)
}

// KeyDeviceState holds "blocked" while a device is locked out.
func KeyDeviceState(deviceID string) string {
	return fmt.Sprintf("device:%s:state", deviceID)
}

// KeyRevokedDevice is the device-wide token revocation marker.
func KeyRevokedDevice(deviceID string) string {
	return fmt.Sprintf("revoked:device:%s", deviceID)
}

// KeyRevokedJTI revokes a single token id.
func KeyRevokedJTI(jti string) string {
	return fmt.Sprintf("revoked:jti:%s", jti)
}

// KeyForceOverlay instructs the client to render the blocking overlay.
func KeyForceOverlay(deviceID string) string {
	return fmt.Sprintf("force_overlay:%s", deviceID)
}

// KeySignals is the recent-payload buffer consumed by the analyzer.
func KeySignals(deviceID string) string {
	return fmt.Sprintf("sig:%s", deviceID)
}

// KeySubCache caches the subscription verdict for the admission filter.
func KeySubCache(userID, deviceID string) string {
	return fmt.Sprintf("sub:%s:%s", userID, deviceID)
}

// KeyDecision is the analyzer's last trust decision for a device.
func KeyDecision(deviceID string) string {
	return fmt.Sprintf("decision:%s", deviceID)
}

// KeyBaseline is the Welford baseline hash for adaptive thresholds.
func KeyBaseline(deviceID string) string {
	return fmt.Sprintf("baseline:%s", deviceID)
}

// KeyTrustHist is the capped list of recent trust scores.
func KeyTrustHist(deviceID string) string {
	return fmt.Sprintf("trust_hist:%s", deviceID)
}

// KeyRateLimit is the per-plan sliding admission counter.
func KeyRateLimit(tier, userID, deviceID string) string {
	return fmt.Sprintf("rl:%s:%s:%s", tier, userID, deviceID)
}

// KeyHeartbeat stores the last heartbeat timestamp for a device pair.
func KeyHeartbeat(userID, deviceID string) string {
	return fmt.Sprintf("hb:%s:%s", userID, deviceID)
}

// KeyRefreshAttempts is the per-device refresh rate gate counter.
func KeyRefreshAttempts(deviceID string) string {
	return fmt.Sprintf("refresh_attempts:%s", deviceID)
}

// KeyWSPriority throttles priority-socket admissions per source IP and
// device.
func KeyWSPriority(ip, deviceID string) string {
	return fmt.Sprintf("ws:priority:%s:%s", ip, deviceID)
}

// KeyAnalyzerQueue is the analyzer job list.
const KeyAnalyzerQueue = "queue:analyzer"

// KeyAnalyzerMetric is a rolling sample list kept alongside Prometheus for
// ad-hoc inspection.
func KeyAnalyzerMetric(name string) string {
	return fmt.Sprintf("metrics:analyzer:%s", name)
}
