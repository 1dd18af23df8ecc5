package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kagehq/keys-sub000/pkg/clock"
)

const (
	secretSize        = 32
	keyIDSize         = 8
	defaultIssuer     = "keys-broker"
	defaultCredential = time.Hour
)

// Options configures an HMACCodec. Zero values select defaults: a random
// secret and key id, the real clock and an in-memory revocation set.
type Options struct {
	Issuer      string
	Clock       clock.Clock
	Revocations RevocationSet
	// Secret and KeyID pin the signing key, e.g. when the CLI and the
	// server share BROKER_SIGNING_SECRET. Both or neither must be set.
	Secret     []byte
	KeyID      string
	DefaultTTL time.Duration
}

type signingKey struct {
	secret []byte
	id     string
}

// HMACCodec signs credentials with HS256. The (secret, key id) pair is
// swapped as a single pointer so readers never observe a torn key.
type HMACCodec struct {
	issuer      string
	clock       clock.Clock
	revocations RevocationSet
	defaultTTL  time.Duration
	key         atomic.Pointer[signingKey]
	parser      *jwt.Parser
}

// NewHMAC constructs a codec. It fails only if the platform cannot supply
// randomness for the initial key.
func NewHMAC(opts Options) (*HMACCodec, error) {
	c := &HMACCodec{
		issuer:      strings.TrimSpace(opts.Issuer),
		clock:       clock.OrReal(opts.Clock),
		revocations: opts.Revocations,
		defaultTTL:  opts.DefaultTTL,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	if c.issuer == "" {
		c.issuer = defaultIssuer
	}
	if c.revocations == nil {
		c.revocations = NewMemoryRevocations()
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = defaultCredential
	}
	switch {
	case len(opts.Secret) > 0 && strings.TrimSpace(opts.KeyID) != "":
		secret := append([]byte(nil), opts.Secret...)
		c.key.Store(&signingKey{secret: secret, id: strings.TrimSpace(opts.KeyID)})
	case len(opts.Secret) > 0 || strings.TrimSpace(opts.KeyID) != "":
		return nil, errors.New("credential: secret and key id must be set together")
	default:
		key, err := generateKey()
		if err != nil {
			return nil, err
		}
		c.key.Store(key)
	}
	return c, nil
}

// KeyID returns the identifier of the current signing key.
func (c *HMACCodec) KeyID() string {
	return c.key.Load().id
}

// Issue fills iss and kid (and jti and the validity window when absent)
// and returns the signed credential.
func (c *HMACCodec) Issue(in Claims) (string, error) {
	raw, _, err := c.IssueClaims(in)
	return raw, err
}

// IssueClaims is Issue that also returns the claims as signed.
func (c *HMACCodec) IssueClaims(in Claims) (string, Claims, error) {
	if in.NotBefore.IsZero() {
		in.NotBefore = c.clock.Now()
	}
	if in.ExpiresAt.IsZero() {
		in.ExpiresAt = in.NotBefore.Add(c.defaultTTL)
	}
	if in.ExpiresAt.Unix() <= in.NotBefore.Unix() {
		return "", Claims{}, fmt.Errorf("%w: expiry must be after not-before", ErrInvalidClaims)
	}
	if strings.TrimSpace(in.ID) == "" {
		in.ID = uuid.NewString()
	}
	key := c.key.Load()
	in.Issuer = c.issuer
	in.KeyID = key.id
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, fromClaims(in))
	token.Header["kid"] = key.id
	signed, err := token.SignedString(key.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign credential: %w", err)
	}
	return signed, fromClaims(in).claims(), nil
}

// Verify checks, in order: structure, revocation, signature, expiry,
// not-before and required claims.
func (c *HMACCodec) Verify(ctx context.Context, raw string) Outcome {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, ".") != 2 {
		return invalid(ReasonMalformed)
	}
	key := c.key.Load()

	var unverified wireClaims
	if _, _, err := c.parser.ParseUnverified(raw, &unverified); err != nil {
		return invalid(ReasonMalformed)
	}
	claims := unverified.claims()
	if claims.ID != "" {
		revoked, err := c.revocations.Contains(ctx, claims.ID)
		if err != nil || revoked {
			return invalidWith(claims, ReasonRevoked)
		}
	}

	var verified wireClaims
	_, err := c.parser.ParseWithClaims(raw, &verified, func(t *jwt.Token) (interface{}, error) {
		if kid, ok := t.Header["kid"].(string); ok && kid != "" && kid != key.id {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return invalidWith(claims, ReasonMalformed)
		}
		return invalidWith(claims, ReasonBadSignature)
	}
	claims = verified.claims()

	now := c.clock.Now()
	if now.After(claims.ExpiresAt) {
		return invalidWith(claims, ReasonExpired)
	}
	if now.Before(claims.NotBefore) {
		return invalidWith(claims, ReasonNotYetValid)
	}
	if claims.Subject == "" || claims.Audience == "" || claims.Scope == "" || claims.ID == "" {
		return invalidWith(claims, ReasonMissingClaim)
	}
	return valid(claims)
}

// Revoke adds id to the revocation set. Revoking twice is a no-op.
func (c *HMACCodec) Revoke(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: credential id required", ErrInvalidClaims)
	}
	return c.revocations.Add(ctx, id)
}

// RotateKey replaces the signing key. Credentials signed under the previous
// key fail verification immediately; there is no overlap window.
func (c *HMACCodec) RotateKey() (string, error) {
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	c.key.Store(key)
	return key.id, nil
}

func generateKey() (*signingKey, error) {
	buf := make([]byte, secretSize+keyIDSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &signingKey{
		secret: buf[:secretSize],
		id:     hex.EncodeToString(buf[secretSize:]),
	}, nil
}

// wireClaims is the JSON payload; timestamps travel as unix seconds.
type wireClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud,omitempty"`
	Scope     string `json:"scope,omitempty"`
	NotBefore int64  `json:"nbf"`
	ExpiresAt int64  `json:"exp"`
	ID        string `json:"jti,omitempty"`
	KeyID     string `json:"kid,omitempty"`
}

func fromClaims(c Claims) wireClaims {
	return wireClaims{
		Issuer:    c.Issuer,
		Subject:   c.Subject,
		Audience:  c.Audience,
		Scope:     c.Scope,
		NotBefore: c.NotBefore.Unix(),
		ExpiresAt: c.ExpiresAt.Unix(),
		ID:        c.ID,
		KeyID:     c.KeyID,
	}
}

func (w wireClaims) claims() Claims {
	return Claims{
		Issuer:    w.Issuer,
		Subject:   w.Subject,
		Audience:  w.Audience,
		Scope:     w.Scope,
		NotBefore: time.Unix(w.NotBefore, 0).UTC(),
		ExpiresAt: time.Unix(w.ExpiresAt, 0).UTC(),
		ID:        w.ID,
		KeyID:     w.KeyID,
	}
}

// The jwt.Claims accessors are only consulted by the library's own
// validator, which Verify disables in favor of the ordered checks above.

func (w wireClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(w.ExpiresAt, 0)), nil
}

func (w wireClaims) GetIssuedAt() (*jwt.NumericDate, error) { return nil, nil }

func (w wireClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(w.NotBefore, 0)), nil
}

func (w wireClaims) GetIssuer() (string, error) { return w.Issuer, nil }

func (w wireClaims) GetSubject() (string, error) { return w.Subject, nil }

func (w wireClaims) GetAudience() (jwt.ClaimStrings, error) {
	if w.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{w.Audience}, nil
}
