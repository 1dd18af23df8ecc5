package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kagehq/keys-sub000/pkg/hardening"
)

type config struct {
	Addr        string
	GatewayAddr string

	SigningSecret string
	SigningKeyID  string
	Issuer        string
	CredentialTTL time.Duration
	MaxTTL        time.Duration

	RoutesFile     string
	PolicySeedFile string
	HighRisk       []string
	GatewayOrgID   string
	AgentHeader    string
	TrustProxy     bool

	DatabaseURL  string
	RedisAddr    string
	ApprovalDB   string
	KafkaBrokers []string
	KafkaTopic   string

	AuditRedact     bool
	AuditHashSalt   string
	FingerprintSalt string

	SweepInterval   time.Duration
	UpstreamTimeout time.Duration

	AuthMode    string
	AuthSecret  string
	AuthIssuer  string
	CORSOrigins string
	WSOrigins   []string

	LogLevel  string
	LogFormat string
}

func loadConfig() (config, error) {
	cfg := config{
		Addr:        env("ADDR", ":8080"),
		GatewayAddr: env("GATEWAY_ADDR", ":8081"),

		SigningSecret: os.Getenv("BROKER_SIGNING_SECRET"),
		SigningKeyID:  env("BROKER_KEY_ID", ""),
		Issuer:        env("BROKER_ISSUER", "keys-broker"),
		CredentialTTL: envDurationSec("CREDENTIAL_TTL_SEC", 3600),
		MaxTTL:        envDurationSec("CREDENTIAL_MAX_TTL_SEC", 86400),

		RoutesFile:     env("ROUTES_FILE", "routes.yaml"),
		PolicySeedFile: env("POLICY_SEED_FILE", ""),
		HighRisk:       envList("HIGH_RISK_SCOPES"),
		GatewayOrgID:   env("GATEWAY_ORG_ID", ""),
		AgentHeader:    env("AGENT_KEY_HEADER", "X-Agent-Key"),
		TrustProxy:     envBool("TRUST_PROXY_HEADERS", false),

		DatabaseURL:  env("DATABASE_URL", ""),
		RedisAddr:    env("REDIS_ADDR", ""),
		ApprovalDB:   env("APPROVAL_DB_PATH", ""),
		KafkaBrokers: envList("KAFKA_BROKERS"),
		KafkaTopic:   env("KAFKA_AUDIT_TOPIC", "broker.audit"),

		AuditRedact:     envBool("AUDIT_REDACT", false),
		AuditHashSalt:   env("AUDIT_HASH_SALT", ""),
		FingerprintSalt: env("FINGERPRINT_SALT", ""),

		SweepInterval:   envDurationSec("APPROVAL_SWEEP_INTERVAL_SEC", 30),
		UpstreamTimeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 30000)),

		AuthMode:    env("AUTH_MODE", "hs256"),
		AuthSecret:  env("OPERATOR_JWT_SECRET", ""),
		AuthIssuer:  env("OPERATOR_JWT_ISSUER", ""),
		CORSOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		WSOrigins:   envList("WS_ALLOWED_ORIGINS"),

		LogLevel:  env("LOG_LEVEL", "info"),
		LogFormat: env("LOG_FORMAT", "json"),
	}
	if strings.EqualFold(cfg.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return config{}, errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
	} else if cfg.AuthSecret == "" {
		return config{}, errors.New("OPERATOR_JWT_SECRET is required")
	}
	if err := hardening.ValidateProduction(hardening.FromEnv("broker", os.Getenv)); err != nil {
		return config{}, err
	}
	if cfg.SigningSecret == "" && cfg.SigningKeyID != "" {
		return config{}, errors.New("BROKER_KEY_ID set without BROKER_SIGNING_SECRET")
	}
	if cfg.SigningSecret != "" && cfg.SigningKeyID == "" {
		cfg.SigningKeyID = "env"
	}
	return cfg, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func envList(k string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(k), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
