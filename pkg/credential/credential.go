// Package credential issues and verifies the short-lived, scope-bound
// credentials that agents present to the gateway.
//
// A credential is a compact HS256 token: three dot-separated base64url
// segments carrying a header, the claims below and an HMAC signature.
package credential

import (
	"context"
	"errors"
	"time"
)

// Claims is the payload of a credential.
type Claims struct {
	Issuer    string    `json:"iss"`
	Subject   string    `json:"sub"`
	Audience  string    `json:"aud"`
	Scope     string    `json:"scope"`
	NotBefore time.Time `json:"nbf"`
	ExpiresAt time.Time `json:"exp"`
	ID        string    `json:"jti"`
	KeyID     string    `json:"kid,omitempty"`
}

// Reason explains why a credential failed verification.
type Reason string

const (
	ReasonMalformed    Reason = "malformed"
	ReasonBadSignature Reason = "bad-signature"
	ReasonExpired      Reason = "expired"
	ReasonNotYetValid  Reason = "not-yet-valid"
	ReasonRevoked      Reason = "revoked"
	ReasonMissingClaim Reason = "missing-claim"
)

var (
	ErrMalformed     = errors.New("credential malformed")
	ErrBadSignature  = errors.New("credential signature mismatch")
	ErrExpired       = errors.New("credential expired")
	ErrNotYetValid   = errors.New("credential not yet valid")
	ErrRevoked       = errors.New("credential revoked")
	ErrMissingClaim  = errors.New("credential missing required claim")
	ErrInvalidClaims = errors.New("invalid claims")
)

var reasonErrors = map[Reason]error{
	ReasonMalformed:    ErrMalformed,
	ReasonBadSignature: ErrBadSignature,
	ReasonExpired:      ErrExpired,
	ReasonNotYetValid:  ErrNotYetValid,
	ReasonRevoked:      ErrRevoked,
	ReasonMissingClaim: ErrMissingClaim,
}

// Outcome is the result of Verify: either Valid with Claims, or invalid
// with a Reason.
type Outcome struct {
	Valid  bool
	Claims Claims
	Reason Reason
}

// Err returns nil for a valid outcome and the sentinel error matching the
// reason otherwise.
func (o Outcome) Err() error {
	if o.Valid {
		return nil
	}
	if err, ok := reasonErrors[o.Reason]; ok {
		return err
	}
	return ErrMalformed
}

func valid(c Claims) Outcome { return Outcome{Valid: true, Claims: c} }

func invalid(r Reason) Outcome { return Outcome{Reason: r} }

func invalidWith(c Claims, r Reason) Outcome { return Outcome{Claims: c, Reason: r} }

// Codec is the signing capability the gateway and control plane depend on.
// Alternate schemes (asymmetric, HSM-backed) implement the same interface.
type Codec interface {
	Issue(claims Claims) (string, error)
	Verify(ctx context.Context, raw string) Outcome
	Revoke(ctx context.Context, id string) error
	RotateKey() (string, error)
}

// ClaimsIssuer is implemented by codecs that can report the claims they
// signed, including the generated jti.
type ClaimsIssuer interface {
	IssueClaims(claims Claims) (string, Claims, error)
}
