// Package store is the persistence gateway: durable writes for heartbeats,
// audit entries, subscriptions, billing events, and device registrations.
// All coordination state lives in Redis; this package owns only the
// relational rows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store wraps a relational pool. Callers inject *sql.DB (lib/pq in
// production, sqlmock in tests).
type Store struct {
	db *sql.DB
}

// New creates a Store over an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres with pre-ping and conservative pool limits.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// Signals
// =============================================================================

// InsertSignal persists a heartbeat payload and returns its row id.
func (s *Store) InsertSignal(ctx context.Context, deviceID string, payload json.RawMessage) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO signal (device_id, payload, created_at) VALUES ($1, $2, NOW()) RETURNING id`,
		deviceID, payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert signal: %w", err)
	}
	return id, nil
}

// =============================================================================
// Audit log
// =============================================================================

// InsertAudit appends a threat record.
func (s *Store) InsertAudit(ctx context.Context, entry AuditLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auditlog (user_id, device_id, threat_level, reason, signal_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		entry.UserID, entry.DeviceID, entry.ThreatLevel, entry.Reason, entry.SignalID,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first, capped at limit.
func (s *Store) ListAudit(ctx context.Context, userID, deviceID string, limit int) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, device_id, threat_level, reason, signal_id, created_at
		 FROM auditlog WHERE user_id = $1 AND device_id = $2
		 ORDER BY created_at DESC LIMIT $3`,
		userID, deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditLog
	for rows.Next() {
		var e AuditLog
		if err := rows.Scan(&e.ID, &e.UserID, &e.DeviceID, &e.ThreatLevel, &e.Reason, &e.SignalID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// Device registration
// =============================================================================

// GetRegistration loads a device registration, or nil when unseen.
func (s *Store) GetRegistration(ctx context.Context, userID, deviceID string) (*DeviceRegistration, error) {
	var r DeviceRegistration
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, device_id, created_at, attestation_type, attestation_nonce,
		        attested_public_key_hash, verified_at, risk_reason
		 FROM deviceregistration WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID,
	).Scan(&r.ID, &r.UserID, &r.DeviceID, &r.CreatedAt, &r.AttestationType, &r.AttestationNonce,
		&r.AttestedPublicKeyHash, &r.VerifiedAt, &r.RiskReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return &r, nil
}

// InsertRegistration creates the one-per-device registration row.
func (s *Store) InsertRegistration(ctx context.Context, r *DeviceRegistration) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO deviceregistration
		   (id, user_id, device_id, created_at, attestation_type, attestation_nonce,
		    attested_public_key_hash, verified_at, risk_reason)
		 VALUES ($1, $2, $3, NOW(), $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		r.ID, r.UserID, r.DeviceID, r.AttestationType, r.AttestationNonce,
		r.AttestedPublicKeyHash, r.VerifiedAt, r.RiskReason,
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

// FillAttestation records a late attestation exactly once: the update only
// applies while verified_at is still null.
func (s *Store) FillAttestation(ctx context.Context, id string, attType, nonce, pubkeyHash string, verifiedAt time.Time, riskReason *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deviceregistration
		 SET attestation_type = $2, attestation_nonce = $3, attested_public_key_hash = $4,
		     verified_at = $5, risk_reason = $6
		 WHERE id = $1 AND verified_at IS NULL`,
		id, attType, nonce, pubkeyHash, verifiedAt, riskReason,
	)
	if err != nil {
		return fmt.Errorf("fill attestation: %w", err)
	}
	return nil
}

// =============================================================================
// Subscription / billing
// =============================================================================

// GetSubscription loads the subscription row for a device pair, or nil.
func (s *Store) GetSubscription(ctx context.Context, userID, deviceID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, device_id, plan_code, plan_tier, status, expires_at, auto_renew, created_at, updated_at
		 FROM subscription WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID,
	).Scan(&sub.ID, &sub.UserID, &sub.DeviceID, &sub.PlanCode, &sub.PlanTier, &sub.Status,
		&sub.ExpiresAt, &sub.AutoRenew, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// UpsertSubscription applies a billing-webhook mutation.
func (s *Store) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription (id, user_id, device_id, plan_code, plan_tier, status, expires_at, auto_renew, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (user_id, device_id) DO UPDATE SET
		   plan_code = EXCLUDED.plan_code,
		   plan_tier = EXCLUDED.plan_tier,
		   status = EXCLUDED.status,
		   expires_at = EXCLUDED.expires_at,
		   auto_renew = EXCLUDED.auto_renew,
		   updated_at = NOW()`,
		sub.ID, sub.UserID, sub.DeviceID, sub.PlanCode, sub.PlanTier, sub.Status, sub.ExpiresAt, sub.AutoRenew,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// HasBillingEvent reports whether an event_id was already applied. This is
// the webhook idempotency check.
func (s *Store) HasBillingEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM billingevent WHERE event_id = $1`, eventID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check billing event: %w", err)
	}
	return true, nil
}

// InsertBillingEvent appends the idempotency record.
func (s *Store) InsertBillingEvent(ctx context.Context, provider, eventID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billingevent (id, provider, event_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		uuid.NewString(), provider, eventID, payload,
	)
	if err != nil {
		return fmt.Errorf("insert billing event: %w", err)
	}
	return nil
}
