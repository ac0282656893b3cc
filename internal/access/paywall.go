package access

import (
	"context"
	"time"

	"github.com/blockremote/backend/internal/store"
)

// TrialPeriod is how long a freshly registered device runs without a paid
// subscription.
const TrialPeriod = 7 * 24 * time.Hour

// PaywallState is the admission verdict for a device pair.
type PaywallState struct {
	IsPremium      bool      `json:"is_premium"`
	TrialExpired   bool      `json:"trial_expired"`
	TrialStartedAt time.Time `json:"trial_started_at"`
}

// SubscriptionPremium reports whether a subscription row grants premium
// right now: active status and not past its expiry.
func SubscriptionPremium(sub *store.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	if sub.Status != "active" {
		return false
	}
	if sub.ExpiresAt != nil && sub.ExpiresAt.Before(now) {
		return false
	}
	return true
}

// ComputePaywall enrolls the device if needed and evaluates the paywall.
// The trial clock starts at registration, not at first heartbeat.
func (s *Service) ComputePaywall(ctx context.Context, userID, deviceID string, att *AttestationPayload, now time.Time) (*PaywallState, error) {
	reg, err := s.EnsureRegistration(ctx, userID, deviceID, att)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubscription(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return &PaywallState{
		IsPremium:      SubscriptionPremium(sub, now),
		TrialExpired:   now.Sub(reg.CreatedAt) > TrialPeriod,
		TrialStartedAt: reg.CreatedAt,
	}, nil
}
