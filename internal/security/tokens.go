package security

import (
	"context"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blockremote/backend/internal/config"
	"github.com/blockremote/backend/internal/infra"
)

// TokenService issues and verifies the access/refresh pair and keeps the
// refresh session records in Redis.
type TokenService struct {
	cfg   *config.Settings
	redis *infra.RedisAdapter
	jwks  *JWKSCache
	log   *log.Logger

	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// TokenPair is the issued bundle returned to clients.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// NewTokenService wires the service. Key material is parsed once at
// startup; a malformed configured key surfaces on first use rather than
// crashing boot, since JWKS-only deployments carry no local keys at all.
func NewTokenService(cfg *config.Settings, redis *infra.RedisAdapter) *TokenService {
	s := &TokenService{
		cfg:   cfg,
		redis: redis,
		log:   log.New(log.Writer(), "[TOKEN] ", log.LstdFlags),
	}
	if cfg.JWKSURL != "" {
		s.jwks = NewJWKSCache(cfg.JWKSURL, cfg.JWKSCacheTTL)
	}
	if cfg.JWTPrivateKeyPEM != "" {
		if k, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.JWTPrivateKeyPEM)); err == nil {
			s.privateKey = k
			s.publicKey = &k.PublicKey
		} else {
			s.log.Printf("private key PEM did not parse: %v", err)
		}
	}
	if s.publicKey == nil && cfg.JWTPublicKeyPEM != "" {
		if k, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKeyPEM)); err == nil {
			s.publicKey = k
		} else {
			s.log.Printf("public key PEM did not parse: %v", err)
		}
	}
	return s
}

func (s *TokenService) hmacAlgorithm() bool {
	return strings.HasPrefix(s.cfg.JWTAlgorithm, "HS")
}

// Issue mints a fresh access/refresh pair for the device and records the
// refresh session in Redis, bound to the client fingerprint.
func (s *TokenService) Issue(ctx context.Context, userID, deviceID, fingerprint string) (*TokenPair, error) {
	access := newClaims(userID, deviceID, TokenTypeAccess, s.cfg.JWTIssuer, s.cfg.JWTAudience, s.cfg.JWTExpire)
	refresh := newClaims(userID, deviceID, TokenTypeRefresh, s.cfg.JWTIssuer, s.cfg.JWTAudience, s.cfg.RefreshBaseTTL)
	return s.mint(ctx, access, refresh, fingerprint, s.cfg.RefreshBaseTTL)
}

// mint signs both tokens and writes the refresh session record with the
// given TTL. The record key encodes user, device, jti, and fingerprint
// hash, so any mismatch on redemption simply misses the key.
func (s *TokenService) mint(ctx context.Context, access, refresh *Claims, fingerprint string, refreshTTL time.Duration) (*TokenPair, error) {
	accessToken, err := s.sign(access)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return nil, err
	}

	key := infra.KeyRefresh(refresh.Subject, refresh.DeviceID, refresh.ID, s.FingerprintHash(fingerprint))
	if err := s.redis.Set(ctx, key, "1", refreshTTL); err != nil {
		return nil, fmt.Errorf("store refresh session: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.JWTExpire.Seconds()),
	}, nil
}

func (s *TokenService) sign(claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(s.cfg.JWTAlgorithm)
	if method == nil {
		return "", fmt.Errorf("%w: unknown algorithm %s", ErrConfigMissing, s.cfg.JWTAlgorithm)
	}
	token := jwt.NewWithClaims(method, claims)
	if s.cfg.JWTActiveKID != "" {
		token.Header["kid"] = s.cfg.JWTActiveKID
	}

	if s.hmacAlgorithm() {
		if s.cfg.JWTSecretKey == "" {
			return "", fmt.Errorf("%w: JWT_SECRET_KEY not set", ErrConfigMissing)
		}
		if !s.cfg.IsDevelopment() {
			return "", fmt.Errorf("%w: HMAC signing is development-only", ErrConfigMissing)
		}
		return token.SignedString([]byte(s.cfg.JWTSecretKey))
	}

	if s.privateKey == nil {
		return "", fmt.Errorf("%w: no private key configured", ErrKeyUnavailable)
	}
	return token.SignedString(s.privateKey)
}

// Verify parses and validates a token of the expected type. Signature,
// expiry, nbf, and iat are enforced with the configured clock-skew leeway;
// issuer and audience are enforced when configured.
func (s *TokenService) Verify(ctx context.Context, tokenString, wantTyp string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.cfg.JWTAlgorithm}),
		jwt.WithLeeway(s.cfg.JWTClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.JWTIssuer))
	}
	if s.cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.JWTAudience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.verificationKey(ctx, t)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Typ != wantTyp {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenType, claims.Typ, wantTyp)
	}
	return claims, nil
}

// verificationKey resolves the key for an inbound token: JWKS by kid when
// configured, then the local public key, then the HMAC secret for
// HMAC-family algorithms.
func (s *TokenService) verificationKey(ctx context.Context, t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
		if !s.hmacAlgorithm() || s.cfg.JWTSecretKey == "" {
			return nil, fmt.Errorf("HMAC tokens not accepted")
		}
		return []byte(s.cfg.JWTSecretKey), nil
	}

	if s.jwks != nil {
		kid, _ := t.Header["kid"].(string)
		return s.jwks.Key(ctx, kid)
	}
	if s.publicKey != nil {
		return s.publicKey, nil
	}
	return nil, ErrKeyUnavailable
}

// VerifyForDevice validates a token and asserts it belongs to the given
// device and carries no revocation marker.
func (s *TokenService) VerifyForDevice(ctx context.Context, tokenString, deviceID, wantTyp string) (*Claims, error) {
	claims, err := s.Verify(ctx, tokenString, wantTyp)
	if err != nil {
		return nil, err
	}
	if claims.DeviceID != deviceID {
		return nil, ErrDeviceMismatch
	}
	if err := s.CheckRevocation(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// CheckRevocation returns ErrDeviceRevoked when a marker exists for the
// claims' device or token id.
func (s *TokenService) CheckRevocation(ctx context.Context, claims *Claims) error {
	if _, err := s.redis.Get(ctx, infra.KeyRevokedDevice(claims.DeviceID)); err == nil {
		return ErrDeviceRevoked
	} else if err != infra.ErrKeyNotFound {
		return fmt.Errorf("revocation lookup: %w", err)
	}
	if _, err := s.redis.Get(ctx, infra.KeyRevokedJTI(claims.ID)); err == nil {
		return ErrDeviceRevoked
	} else if err != infra.ErrKeyNotFound {
		return fmt.Errorf("revocation lookup: %w", err)
	}
	return nil
}

// FingerprintHash binds a client fingerprint into the refresh key. HMAC
// with the configured secret; plain SHA-256 only when no secret is set
// (local development).
func (s *TokenService) FingerprintHash(fingerprint string) string {
	if s.cfg.RefreshFingerprintSecret != "" {
		mac := hmac.New(sha256.New, []byte(s.cfg.RefreshFingerprintSecret))
		mac.Write([]byte(fingerprint))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}
