package killswitch

import (
	"fmt"
	"strings"
)

// Message grammar on the kill-switch channel:
//
//	block:<device_id>:<reason>
//	IMMEDIATE_QUARANTINE:<device_id>
//	CRITICAL_LOCK:<device_id>
//	force_overlay:<device_id>
const (
	prefixBlock        = "block:"
	prefixQuarantine   = "IMMEDIATE_QUARANTINE:"
	prefixCriticalLock = "CRITICAL_LOCK:"
	prefixForceOverlay = "force_overlay:"
)

// TargetDevice extracts the addressed device from a kill-switch message.
// An empty result means the message has no recognized target and should be
// broadcast to every socket.
func TargetDevice(message string) string {
	switch {
	case strings.HasPrefix(message, prefixBlock):
		rest := strings.TrimPrefix(message, prefixBlock)
		if i := strings.Index(rest, ":"); i >= 0 {
			return rest[:i]
		}
		return rest
	case strings.HasPrefix(message, prefixQuarantine):
		return strings.TrimPrefix(message, prefixQuarantine)
	case strings.HasPrefix(message, prefixCriticalLock):
		return strings.TrimPrefix(message, prefixCriticalLock)
	case strings.HasPrefix(message, prefixForceOverlay):
		return strings.TrimPrefix(message, prefixForceOverlay)
	}
	return ""
}

// BlockMessage builds a block command for a device.
func BlockMessage(deviceID, reason string) string {
	return fmt.Sprintf("%s%s:%s", prefixBlock, deviceID, reason)
}

// QuarantineMessage builds the immediate-quarantine command issued on
// critical EDR verdicts.
func QuarantineMessage(deviceID string) string {
	return prefixQuarantine + deviceID
}

// CriticalLockMessage builds the lock command triggered by the synthetic
// touch alarm on the priority socket.
func CriticalLockMessage(deviceID string) string {
	return prefixCriticalLock + deviceID
}

// ForceOverlayMessage tells a device to raise the blocking overlay.
func ForceOverlayMessage(deviceID string) string {
	return prefixForceOverlay + deviceID
}
