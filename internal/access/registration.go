package access

import (
	"context"
	"time"

	"github.com/blockremote/backend/internal/store"
)

// Service runs enrollment and paywall checks against the relational rows.
type Service struct {
	store *store.Store
}

// New wires the access service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// EnsureRegistration returns the registration for the device pair,
// creating it when this is the first contact. A new device must present a
// valid attestation; an existing unverified row accepts a late attestation
// exactly once.
func (s *Service) EnsureRegistration(ctx context.Context, userID, deviceID string, att *AttestationPayload) (*store.DeviceRegistration, error) {
	reg, err := s.store.GetRegistration(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	if reg != nil {
		if att != nil && reg.VerifiedAt == nil {
			rec, err := ValidateAttestation(att)
			if err != nil {
				return nil, err
			}
			now := time.Now().UTC()
			if err := s.store.FillAttestation(ctx, reg.ID, rec.Type, rec.Nonce, rec.PublicKeyHash, now, rec.RiskReason); err != nil {
				return nil, err
			}
			reg, err = s.store.GetRegistration(ctx, userID, deviceID)
			if err != nil {
				return nil, err
			}
		}
		return reg, nil
	}

	rec, err := ValidateAttestation(att)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	newReg := &store.DeviceRegistration{
		UserID:                userID,
		DeviceID:              deviceID,
		AttestationType:       &rec.Type,
		AttestationNonce:      &rec.Nonce,
		AttestedPublicKeyHash: &rec.PublicKeyHash,
		VerifiedAt:            &now,
		RiskReason:            rec.RiskReason,
	}
	if err := s.store.InsertRegistration(ctx, newReg); err != nil {
		return nil, err
	}
	return newReg, nil
}
