package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/blockremote/backend/internal/access"
	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/middleware"
	"github.com/blockremote/backend/internal/monitoring"
	"github.com/blockremote/backend/internal/store"
)

const subCacheTTL = 15 * time.Minute

// BillingWebhookIn is the provider's delivery shape.
type BillingWebhookIn struct {
	Provider  string          `json:"provider"`
	EventID   string          `json:"event_id"`
	UserID    string          `json:"user_id"`
	DeviceID  string          `json:"device_id"`
	PlanCode  string          `json:"plan_code"`
	PlanTier  string          `json:"plan_tier"`
	Status    string          `json:"status"`
	ExpiresAt *time.Time      `json:"expires_at"`
	AutoRenew bool            `json:"auto_renew"`
	Payload   json.RawMessage `json:"payload"`
}

// handleBillingWebhook applies a provider mutation: HMAC signature over
// the raw body, event_id idempotency, subscription upsert, cache refresh.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Unreadable body")
		return
	}
	if !s.verifyWebhookSignature(r.Header.Get("X-Signature"), body) {
		monitoring.WebhookEvents.WithLabelValues("invalid").Inc()
		writeDetail(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var in BillingWebhookIn
	if err := json.Unmarshal(body, &in); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed webhook payload")
		return
	}

	// Replayed deliveries return the state the first one produced.
	seen, err := s.store.HasBillingEvent(ctx, in.EventID)
	if err != nil {
		writeError(w, err)
		return
	}
	if seen {
		monitoring.WebhookEvents.WithLabelValues("duplicate").Inc()
		sub, err := s.store.GetSubscription(ctx, in.UserID, in.DeviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		if sub == nil {
			writeError(w, errNotFound)
			return
		}
		writeJSON(w, http.StatusOK, sub)
		return
	}

	if err := s.store.InsertBillingEvent(ctx, in.Provider, in.EventID, in.Payload); err != nil {
		writeError(w, err)
		return
	}

	expiresAt := in.ExpiresAt
	if expiresAt == nil {
		t := time.Now().UTC().Add(7 * 24 * time.Hour)
		expiresAt = &t
	}
	sub := &store.Subscription{
		UserID:    in.UserID,
		DeviceID:  in.DeviceID,
		PlanCode:  in.PlanCode,
		PlanTier:  in.PlanTier,
		Status:    in.Status,
		ExpiresAt: expiresAt,
		AutoRenew: in.AutoRenew,
	}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		writeError(w, err)
		return
	}

	s.cacheSubscription(ctx, sub)
	monitoring.WebhookEvents.WithLabelValues("applied").Inc()
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) verifyWebhookSignature(signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.BillingWebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func (s *Server) cacheSubscription(ctx context.Context, sub *store.Subscription) {
	expires := ""
	if sub.ExpiresAt != nil {
		expires = sub.ExpiresAt.UTC().Format(time.RFC3339)
	}
	err := s.redis.HSet(ctx, infra.KeySubCache(sub.UserID, sub.DeviceID), map[string]string{
		"status":     sub.Status,
		"plan_tier":  sub.PlanTier,
		"plan_code":  sub.PlanCode,
		"expires_at": expires,
	}, subCacheTTL)
	if err != nil {
		s.log.Printf("subscription cache write failed user=%s device=%s: %v", sub.UserID, sub.DeviceID, err)
	}
}

// handleGetSubscription serves the cached verdict first, refreshing the
// cache from Postgres on a miss.
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.ClaimsFrom(ctx)
	deviceID := r.URL.Query().Get("device_id")
	if err := assertDevice(claims, deviceID); err != nil {
		writeError(w, err)
		return
	}

	cacheKey := infra.KeySubCache(claims.Subject, deviceID)
	if cached, err := s.redis.HGetAll(ctx, cacheKey); err == nil && cached["plan_tier"] != "" {
		out := store.Subscription{
			UserID:   claims.Subject,
			DeviceID: deviceID,
			PlanCode: cached["plan_code"],
			PlanTier: cached["plan_tier"],
			Status:   cached["status"],
		}
		if out.PlanCode == "" {
			out.PlanCode = "unknown"
		}
		if out.Status == "" {
			out.Status = "trial"
		}
		if exp := cached["expires_at"]; exp != "" {
			if t, err := time.Parse(time.RFC3339, exp); err == nil {
				out.ExpiresAt = &t
			}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	sub, err := s.store.GetSubscription(ctx, claims.Subject, deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sub == nil {
		writeError(w, errNotFound)
		return
	}
	s.cacheSubscription(ctx, sub)
	writeJSON(w, http.StatusOK, sub)
}

// BillingStatusIn carries the device and an optional late attestation.
type BillingStatusIn struct {
	DeviceID    string                     `json:"device_id"`
	Attestation *access.AttestationPayload `json:"attestation,omitempty"`
}

// BillingStatusOut is the paywall verdict.
type BillingStatusOut struct {
	UserID         string    `json:"user_id"`
	DeviceID       string    `json:"device_id"`
	IsPremium      bool      `json:"is_premium"`
	TrialExpired   bool      `json:"trial_expired"`
	TrialStartedAt time.Time `json:"trial_started_at"`
	Now            time.Time `json:"now"`
}

// handleBillingStatus evaluates the paywall, registering the device (with
// attestation) on first contact. 402 when the trial lapsed unpaid.
func (s *Server) handleBillingStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.ClaimsFrom(ctx)

	var in BillingStatusIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed body")
		return
	}
	if err := assertDevice(claims, in.DeviceID); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	state, err := s.access.ComputePaywall(ctx, claims.Subject, in.DeviceID, in.Attestation, now)
	if err != nil {
		writeError(w, err)
		return
	}
	if state.TrialExpired && !state.IsPremium {
		writeDetail(w, http.StatusPaymentRequired, "Payment required")
		return
	}
	writeJSON(w, http.StatusOK, BillingStatusOut{
		UserID:         claims.Subject,
		DeviceID:       in.DeviceID,
		IsPremium:      state.IsPremium,
		TrialExpired:   state.TrialExpired,
		TrialStartedAt: state.TrialStartedAt,
		Now:            now,
	})
}
