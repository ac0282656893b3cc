package store

import (
	"encoding/json"
	"time"
)

// Subscription is the billing state for one (user, device) pair. Mutated
// only by the billing webhook path.
type Subscription struct {
	ID        string     `json:"-"`
	UserID    string     `json:"user_id"`
	DeviceID  string     `json:"device_id"`
	PlanCode  string     `json:"plan_code"`
	PlanTier  string     `json:"plan_tier"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at"`
	AutoRenew bool       `json:"auto_renew"`
	CreatedAt time.Time  `json:"-"`
	UpdatedAt time.Time  `json:"-"`
}

// DeviceRegistration records the first attested contact of a device. The
// created_at timestamp doubles as the trial start.
type DeviceRegistration struct {
	ID                    string
	UserID                string
	DeviceID              string
	CreatedAt             time.Time
	AttestationType       *string
	AttestationNonce      *string
	AttestedPublicKeyHash *string
	VerifiedAt            *time.Time
	RiskReason            *string
}

// BillingEvent is the append-only idempotency record for webhook deliveries.
type BillingEvent struct {
	ID        string
	Provider  string
	EventID   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// AuditLog is an append-only threat record for a device.
type AuditLog struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	ThreatLevel string    `json:"threat_level"`
	Reason      string    `json:"reason"`
	SignalID    *int64    `json:"signal_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
