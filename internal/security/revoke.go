package security

import (
	"context"
	"fmt"
	"time"

	"github.com/blockremote/backend/internal/infra"
)

// RevokeAndBlock is the device lockout primitive shared by the analyzer,
// the EDR handler, heartbeat gating, and logout. It wipes every refresh
// session for the pair, marks the device blocked and revoked, and forces
// the client overlay. When publish is true the kill-switch fabric is told
// so live sockets receive the block immediately.
func (s *TokenService) RevokeAndBlock(ctx context.Context, userID, deviceID, reason string, ttl time.Duration, publish bool) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	if _, err := s.redis.ScanDel(ctx, infra.KeyRefreshPattern(userID, deviceID)); err != nil {
		return fmt.Errorf("wipe refresh sessions: %w", err)
	}
	if err := s.redis.Set(ctx, infra.KeyDeviceState(deviceID), "blocked", ttl); err != nil {
		return fmt.Errorf("set device state: %w", err)
	}
	if err := s.redis.Set(ctx, infra.KeyRevokedDevice(deviceID), "1", ttl); err != nil {
		return fmt.Errorf("set revocation marker: %w", err)
	}
	if err := s.redis.Set(ctx, infra.KeyForceOverlay(deviceID), "1", ttl); err != nil {
		return fmt.Errorf("set overlay flag: %w", err)
	}

	s.log.Printf("device revoked device=%s reason=%s ttl=%s", deviceID, reason, ttl)

	if publish {
		msg := fmt.Sprintf("block:%s:%s", deviceID, reason)
		if err := s.redis.Publish(ctx, infra.KillSwitchChannel, msg); err != nil {
			return fmt.Errorf("publish block: %w", err)
		}
	}
	return nil
}

// revokeForReuse is the replay response: full lockout, no broadcast. The
// client discovers the state on its next request.
func (s *TokenService) revokeForReuse(ctx context.Context, userID, deviceID string) error {
	return s.RevokeAndBlock(ctx, userID, deviceID, "refresh_reuse", reuseRevokeTTL, false)
}

// RevokeJTI blacklists a single token id until its natural expiry.
func (s *TokenService) RevokeJTI(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.JWTExpire
	}
	return s.redis.Set(ctx, infra.KeyRevokedJTI(jti), "1", ttl)
}

// Logout tears down the session for a device pair. When block is set the
// kill-switch message lets any open socket close out with the reason.
func (s *TokenService) Logout(ctx context.Context, claims *Claims, block bool) error {
	if err := s.RevokeJTI(ctx, claims.ID, 0); err != nil {
		return err
	}
	return s.RevokeAndBlock(ctx, claims.Subject, claims.DeviceID, "logout", time.Hour, block)
}

// IsBlocked reports whether the device currently carries the blocked
// state marker.
func (s *TokenService) IsBlocked(ctx context.Context, deviceID string) (bool, error) {
	v, err := s.redis.Get(ctx, infra.KeyDeviceState(deviceID))
	if err == infra.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "blocked", nil
}
