// Package auth authenticates operators of the control plane. Operators
// present HS256 bearer tokens carrying a subject, roles and an org.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kagehq/keys-sub000/pkg/clock"
	"github.com/kagehq/keys-sub000/pkg/httpx"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleApprover = "approver"
	RoleAuditor  = "auditor"
)

const (
	ModeOff   = "off"
	ModeHS256 = "hs256"
)

type Principal struct {
	Subject string
	Roles   []string
	Org     string
}

type contextKey string

const principalContextKey contextKey = "broker.principal"

// TokenClaims is the operator token payload.
type TokenClaims struct {
	Roles []string `json:"roles"`
	Org   string   `json:"org,omitempty"`
	jwt.RegisteredClaims
}

type MiddlewareConfig struct {
	Issuer   string
	Audience string
	Clock    clock.Clock
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

func WithClock(c clock.Clock) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Clock = c
	}
}

// Middleware authenticates requests with an operator bearer token. In
// ModeOff every request runs as an anonymous admin; only use that locally.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	var cfg MiddlewareConfig
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == ModeOff {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				anon := Principal{Subject: "anonymous", Roles: []string{RoleAdmin}}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anon)))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			if mode != ModeHS256 {
				httpx.Error(w, http.StatusUnauthorized, "unsupported auth mode")
				return
			}
			claims, err := VerifyToken(token, secret, clock.OrReal(cfg.Clock).Now(), cfg.Issuer, cfg.Audience)
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Subject,
				Roles:   claims.Roles,
				Org:     claims.Org,
			})))
		})
	}
}

// RequireRoles rejects principals holding none of roles. Admins pass every
// check.
func RequireRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !HasAnyRole(principal, append([]string{RoleAdmin}, roles...)...) {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// VerifyToken checks an HS256 operator token at now.
func VerifyToken(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	var claims TokenClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...); err != nil {
		return TokenClaims{}, fmt.Errorf("verify operator token: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	return claims, nil
}

// SignToken mints an operator token; used by tooling and tests.
func SignToken(secret string, p Principal, issuer string, now time.Time, ttl time.Duration) (string, error) {
	claims := TokenClaims{
		Roles: p.Roles,
		Org:   p.Org,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
