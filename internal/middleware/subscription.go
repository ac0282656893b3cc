// Package middleware carries the HTTP admission chain: bearer
// authentication, the subscription guard with plan-tier rate limiting,
// and the security response headers.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blockremote/backend/internal/access"
	"github.com/blockremote/backend/internal/config"
	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/security"
)

type contextKey int

const (
	claimsKey contextKey = iota
	planTierKey
)

// ClaimsFrom returns the verified claims stashed by the middleware, or nil.
func ClaimsFrom(ctx context.Context) *security.Claims {
	c, _ := ctx.Value(claimsKey).(*security.Claims)
	return c
}

// PlanTierFrom returns the plan tier resolved by the subscription guard.
func PlanTierFrom(ctx context.Context) string {
	t, _ := ctx.Value(planTierKey).(string)
	if t == "" {
		return "trial"
	}
	return t
}

// Guard is the subscription admission filter for the signal and security
// surfaces: token binding, revocation short-circuit, paywall via the
// cached subscription verdict, and per-plan rate limiting.
type Guard struct {
	cfg    *config.Settings
	tokens *security.TokenService
	access *access.Service
	redis  *infra.RedisAdapter
	log    *log.Logger
}

// NewGuard wires the admission filter.
func NewGuard(cfg *config.Settings, tokens *security.TokenService, acc *access.Service, redis *infra.RedisAdapter) *Guard {
	return &Guard{
		cfg:    cfg,
		tokens: tokens,
		access: acc,
		redis:  redis,
		log:    log.New(log.Writer(), "[GUARD] ", log.LstdFlags),
	}
}

// Authenticate verifies the bearer access token and stashes the claims.
// Used on surfaces that bind to a device per-request in the handler.
func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := g.authenticate(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// Middleware is the full subscription guard. WebSocket upgrades pass
// through untouched; socket admission happens at the endpoint with close
// codes instead of HTTP statuses.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		claims, ok := g.authenticate(w, r)
		if !ok {
			return
		}
		ctx := r.Context()

		deviceID := strings.TrimSpace(r.Header.Get("X-Device-Id"))
		if deviceID == "" {
			deviceID = claims.DeviceID
		}
		if claims.DeviceID != deviceID {
			writeDetail(w, http.StatusForbidden, "Token not authorized for this device")
			return
		}

		if g.revokedOrBlocked(ctx, deviceID) {
			writeDetail(w, http.StatusForbidden, "Device revoked")
			return
		}

		status, tier, ok := g.subscriptionVerdict(w, ctx, claims.Subject, deviceID)
		if !ok {
			return
		}

		// Accessibility telemetry from Android gets the high-rate tier,
		// but never a paywall bypass.
		if r.Header.Get("X-Platform") == "android" && r.Header.Get("X-Accessibility-Telemetry") == "true" {
			tier = "android_accessibility"
			if status == "trial" {
				state, err := g.access.ComputePaywall(ctx, claims.Subject, deviceID, nil, time.Now().UTC())
				if err != nil {
					writeAccessError(w, err)
					return
				}
				if state.TrialExpired && !state.IsPremium {
					writeDetail(w, http.StatusPaymentRequired, "Subscription required")
					return
				}
			}
		}

		if !g.allowRate(ctx, tier, claims.Subject, deviceID) {
			writeDetail(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		w.Header().Set("X-Plan-Tier", tier)
		ctx = context.WithValue(ctx, claimsKey, claims)
		ctx = context.WithValue(ctx, planTierKey, tier)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Guard) authenticate(w http.ResponseWriter, r *http.Request) (*security.Claims, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) < 8 || !strings.EqualFold(auth[:7], "bearer ") {
		writeDetail(w, http.StatusUnauthorized, "Missing bearer token")
		return nil, false
	}
	claims, err := g.tokens.Verify(r.Context(), auth[7:], security.TokenTypeAccess)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid token")
		return nil, false
	}
	return claims, true
}

func (g *Guard) revokedOrBlocked(ctx context.Context, deviceID string) bool {
	if _, err := g.redis.Get(ctx, infra.KeyRevokedDevice(deviceID)); err == nil {
		return true
	}
	if state, err := g.redis.Get(ctx, infra.KeyDeviceState(deviceID)); err == nil && state == "blocked" {
		return true
	}
	return false
}

// subscriptionVerdict resolves (status, tier) from the cache, falling back
// to a paywall computation on a miss. A false return means the response
// was already written.
func (g *Guard) subscriptionVerdict(w http.ResponseWriter, ctx context.Context, userID, deviceID string) (string, string, bool) {
	data, err := g.redis.HGetAll(ctx, infra.KeySubCache(userID, deviceID))
	if err != nil {
		g.log.Printf("subscription cache read failed user=%s device=%s: %v", userID, deviceID, err)
		data = nil
	}

	if len(data) == 0 {
		state, err := g.access.ComputePaywall(ctx, userID, deviceID, nil, time.Now().UTC())
		if err != nil {
			writeAccessError(w, err)
			return "", "", false
		}
		if state.TrialExpired && !state.IsPremium {
			writeDetail(w, http.StatusPaymentRequired, "Subscription required")
			return "", "", false
		}
		return "trial", "trial", true
	}

	status := data["status"]
	if status == "" {
		status = "trial"
	}
	if expires := data["expires_at"]; expires != "" {
		if t, err := time.Parse(time.RFC3339, expires); err == nil && t.Before(time.Now().UTC()) {
			writeDetail(w, http.StatusPaymentRequired, "Subscription expired")
			return "", "", false
		}
	}
	if status != "active" && status != "trial" {
		writeDetail(w, http.StatusPaymentRequired, "Subscription inactive")
		return "", "", false
	}
	tier := data["plan_tier"]
	if tier == "" {
		tier = "trial"
	}
	return status, tier, true
}

func (g *Guard) allowRate(ctx context.Context, tier, userID, deviceID string) bool {
	limits, ok := g.cfg.Tuning.PlanRateLimits[tier]
	if !ok {
		limits = g.cfg.Tuning.PlanRateLimits["trial"]
	}
	key := infra.KeyRateLimit(tier, userID, deviceID)
	n, err := g.redis.Incr(ctx, key)
	if err != nil {
		g.log.Printf("rate limit incr failed %s: %v", key, err)
		return true
	}
	if n == 1 {
		g.redis.Expire(ctx, key, time.Duration(limits.Window)*time.Second)
	}
	return n <= limits.Limit
}

// SecurityHeaders sets the response hardening headers on every route.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func writeAccessError(w http.ResponseWriter, err error) {
	switch {
	case err == access.ErrAttestationRequired || err == access.ErrAttestationFailed:
		writeDetail(w, http.StatusForbidden, err.Error())
	default:
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("admission check failed: %v", err))
	}
}
