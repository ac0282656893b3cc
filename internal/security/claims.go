// Package security owns the token lifecycle: issuing the access/refresh
// pair, verifying inbound tokens against JWKS or configured keys, the
// atomic single-use refresh rotation, and device revocation.
package security

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the JWT payload for both token types. DeviceID binds the token
// to a single device; Typ distinguishes access from refresh so neither can
// stand in for the other.
type Claims struct {
	DeviceID string `json:"device_id"`
	Typ      string `json:"typ"`
	jwt.RegisteredClaims
}

func newClaims(userID, deviceID, typ, issuer, audience string, ttl time.Duration) *Claims {
	now := time.Now()
	c := &Claims{
		DeviceID: deviceID,
		Typ:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if issuer != "" {
		c.Issuer = issuer
	}
	if audience != "" {
		c.Audience = jwt.ClaimStrings{audience}
	}
	return c
}
