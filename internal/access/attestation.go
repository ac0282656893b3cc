// Package access gates device enrollment and the paywall: attestation on
// first contact, trial-window tracking, and the premium check driven by
// billing state.
package access

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Attestation errors, mapped to 403 at the API boundary.
var (
	ErrAttestationRequired = errors.New("attestation required for new device")
	ErrAttestationFailed   = errors.New("attestation failed")
)

// AttestationPayload is the platform attestation as submitted by the
// client alongside its first heartbeat or token request.
type AttestationPayload struct {
	Type       string `json:"type"`
	Nonce      string `json:"nonce"`
	PublicKey  string `json:"public_key"`
	Valid      bool   `json:"valid"`
	RiskReason string `json:"risk_reason,omitempty"`
}

// AttestationRecord is the validated form persisted on the registration.
type AttestationRecord struct {
	Type          string
	Nonce         string
	PublicKeyHash string
	RiskReason    *string
}

// ValidateAttestation checks the payload shape and returns the record to
// persist. Verification against App Attest / Play Integrity happens
// upstream; this trusts the relayed valid flag.
func ValidateAttestation(att *AttestationPayload) (*AttestationRecord, error) {
	if att == nil {
		return nil, ErrAttestationRequired
	}
	if att.Type == "" || att.Nonce == "" || att.PublicKey == "" || !att.Valid {
		return nil, ErrAttestationFailed
	}
	sum := sha256.Sum256([]byte(att.PublicKey))
	rec := &AttestationRecord{
		Type:          att.Type,
		Nonce:         att.Nonce,
		PublicKeyHash: hex.EncodeToString(sum[:]),
	}
	if att.RiskReason != "" {
		rr := att.RiskReason
		rec.RiskReason = &rr
	}
	return rec, nil
}
