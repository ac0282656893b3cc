package security

import (
	"context"
	"fmt"
	"time"

	"github.com/blockremote/backend/internal/infra"
)

const (
	refreshAttemptMax    = 10
	refreshAttemptWindow = time.Minute

	// How long a device stays revoked after a detected refresh replay.
	reuseRevokeTTL = time.Hour
)

// Refresh redeems a refresh token for a new pair. The session record is
// consumed atomically: the DEL return count decides the race, so a token
// can be redeemed exactly once across all instances. A redemption attempt
// against a missing record is treated as replay and revokes the device.
func (s *TokenService) Refresh(ctx context.Context, refreshToken, fingerprint string) (*TokenPair, error) {
	claims, err := s.Verify(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	deviceID := claims.DeviceID
	if err := s.CheckRevocation(ctx, claims); err != nil {
		return nil, err
	}
	if err := s.refreshRateGate(ctx, deviceID); err != nil {
		return nil, err
	}

	key := infra.KeyRefresh(claims.Subject, deviceID, claims.ID, s.FingerprintHash(fingerprint))

	remaining, exists, err := s.redis.TTL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("refresh session lookup: %w", err)
	}
	if !exists {
		// Valid signature but no session record: either the token was
		// already redeemed or the fingerprint does not match. Both mean
		// the refresh token leaked.
		s.log.Printf("refresh replay detected device=%s jti=%s", deviceID, claims.ID)
		if err := s.revokeForReuse(ctx, claims.Subject, deviceID); err != nil {
			s.log.Printf("reuse revocation failed device=%s: %v", deviceID, err)
		}
		return nil, ErrRefreshReused
	}

	deleted, err := s.redis.DelCount(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("consume refresh session: %w", err)
	}
	if deleted == 0 {
		// Lost the race to a concurrent redemption of the same token.
		s.log.Printf("refresh race lost device=%s jti=%s", deviceID, claims.ID)
		if err := s.revokeForReuse(ctx, claims.Subject, deviceID); err != nil {
			s.log.Printf("reuse revocation failed device=%s: %v", deviceID, err)
		}
		return nil, ErrRefreshReused
	}

	newTTL := slidingTTL(remaining, s.cfg.RefreshBaseTTL, s.cfg.RefreshMaxTTL, s.cfg.RefreshExtend)

	access := newClaims(claims.Subject, deviceID, TokenTypeAccess, s.cfg.JWTIssuer, s.cfg.JWTAudience, s.cfg.JWTExpire)
	refresh := newClaims(claims.Subject, deviceID, TokenTypeRefresh, s.cfg.JWTIssuer, s.cfg.JWTAudience, newTTL)
	return s.mint(ctx, access, refresh, fingerprint, newTTL)
}

// slidingTTL extends the session on each rotation without ever shrinking
// below the base lifetime or growing past the hard cap.
func slidingTTL(current, base, max, extend time.Duration) time.Duration {
	ttl := current + extend
	if ttl < base {
		ttl = base
	}
	if ttl > max {
		ttl = max
	}
	return ttl
}

// refreshRateGate bounds redemption attempts per device. The counter keys
// on the device so a stolen token cannot be brute-forced across users.
func (s *TokenService) refreshRateGate(ctx context.Context, deviceID string) error {
	key := infra.KeyRefreshAttempts(deviceID)
	n, err := s.redis.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("refresh rate gate: %w", err)
	}
	if n == 1 {
		if err := s.redis.Expire(ctx, key, refreshAttemptWindow); err != nil {
			return fmt.Errorf("refresh rate gate: %w", err)
		}
	}
	if n > refreshAttemptMax {
		return ErrRateLimited
	}
	return nil
}
