// Package hardening refuses to start the broker in production-like
// environments with settings that are only safe for local use.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

const minSigningSecretLen = 32

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string

	AuthMode        string
	SigningSecret   string
	FingerprintSalt string

	DatabaseURL        string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLS           string

	CORSAllowedOrigins string
}

// FromEnv reads the settings ValidateProduction inspects.
func FromEnv(service string, getenv func(string) string) Options {
	return Options{
		Service:            service,
		Environment:        getenv("APP_ENV"),
		StrictProdSecurity: getenv("STRICT_PROD_SECURITY"),
		AuthMode:           getenv("AUTH_MODE"),
		SigningSecret:      getenv("BROKER_SIGNING_SECRET"),
		FingerprintSalt:    getenv("FINGERPRINT_SALT"),
		DatabaseURL:        getenv("DATABASE_URL"),
		DatabaseRequireTLS: getenv("DATABASE_REQUIRE_TLS"),
		RedisAddr:          getenv("REDIS_ADDR"),
		RedisRequireTLS:    getenv("REDIS_REQUIRE_TLS"),
		RedisTLS:           getenv("REDIS_TLS"),
		CORSAllowedOrigins: getenv("CORS_ALLOWED_ORIGINS"),
	}
}

// ValidateProduction returns every violation joined, or nil outside
// production-like environments or when STRICT_PROD_SECURITY=false.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: strict production hardening "+format, append([]any{service}, args...)...))
	}

	if strings.EqualFold(strings.TrimSpace(o.AuthMode), "off") {
		fail("forbids AUTH_MODE=off")
	}
	// A generated key does not survive restarts or span replicas.
	if len(strings.TrimSpace(o.SigningSecret)) < minSigningSecretLen {
		fail("requires BROKER_SIGNING_SECRET of at least %d bytes", minSigningSecretLen)
	}
	if strings.TrimSpace(o.FingerprintSalt) == "" {
		fail("requires FINGERPRINT_SALT")
	}
	if strings.TrimSpace(o.DatabaseURL) == "" {
		fail("requires DATABASE_URL for durable policies and audit")
	} else if !isTrue(o.DatabaseRequireTLS, false) {
		fail("requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) || !isTrue(o.RedisTLS, false) {
			fail("requires REDIS_TLS=true and REDIS_REQUIRE_TLS=true")
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		fail("%v", err)
	}
	return errors.Join(errs...)
}

func validateCORSOrigins(raw string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return errors.New("forbids CORS wildcard origin")
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("forbids localhost CORS origin %q", o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("requires HTTPS CORS origin, got %q", o)
		}
	}
	if validCount == 0 {
		return errors.New("requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
