package security

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// jwksDocument is the wire form of a JWKS endpoint response.
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSCache fetches a remote key set and serves RSA public keys by kid.
// Fetches are TTL-gated and serialized so a burst of verifications after
// expiry triggers a single refresh.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu       sync.Mutex
	keys     map[string]*rsa.PublicKey
	firstKid string
	fetched  time.Time
}

// NewJWKSCache builds a cache for the given endpoint.
func NewJWKSCache(url string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Key resolves a verification key. An empty or unknown kid falls back to
// the first key in the set, matching how single-key issuers publish JWKS
// without kid rotation.
func (c *JWKSCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys == nil || time.Since(c.fetched) > c.ttl {
		if err := c.refresh(ctx); err != nil {
			if c.keys == nil {
				return nil, err
			}
			// Serve stale keys when the endpoint is briefly down.
		}
	}

	if k, ok := c.keys[kid]; ok {
		return k, nil
	}
	if k, ok := c.keys[c.firstKid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: no usable key in JWKS", ErrKeyUnavailable)
}

// refresh is called with mu held.
func (c *JWKSCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch jwks: %v", ErrKeyUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: jwks endpoint returned %d", ErrKeyUnavailable, resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrKeyUnavailable, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	firstKid := ""
	for i, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
		if i == 0 || firstKid == "" {
			firstKid = k.Kid
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: jwks document had no RSA keys", ErrKeyUnavailable)
	}

	c.keys = keys
	c.firstKid = firstKid
	c.fetched = time.Now()
	return nil
}

func parseRSAJWK(k jwksKey) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

// BuildJWKS renders the public key as a JWKS document for the internal
// /internal/jwks endpoint, so sibling services can verify our tokens.
func BuildJWKS(publicKeyPEM, kid, alg string) (map[string]interface{}, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in public key", ErrConfigMissing)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrConfigMissing)
	}

	eb := big.NewInt(int64(pub.E)).Bytes()
	return map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"use": "sig",
			"alg": alg,
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(eb),
		}},
	}, nil
}
