// Command broker serves the agent gateway and the operator control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/kagehq/keys-sub000/pkg/api"
	"github.com/kagehq/keys-sub000/pkg/approval"
	"github.com/kagehq/keys-sub000/pkg/audit"
	"github.com/kagehq/keys-sub000/pkg/clock"
	"github.com/kagehq/keys-sub000/pkg/credential"
	"github.com/kagehq/keys-sub000/pkg/gateway"
	"github.com/kagehq/keys-sub000/pkg/metrics"
	"github.com/kagehq/keys-sub000/pkg/policy"
	"github.com/kagehq/keys-sub000/pkg/ratelimit"
	"github.com/kagehq/keys-sub000/pkg/store"
	"github.com/kagehq/keys-sub000/pkg/stream"
	"github.com/kagehq/keys-sub000/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf   = log.Fatalf
	openDBFn    = store.NewPostgresPool
	openRedisFn = store.NewRedis
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		logFatalf("broker: %v", err)
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logFatalf("broker: %v", err)
	}
}

func run(ctx context.Context, cfg config) error {
	shutdownTracing, err := telemetry.Init(ctx, telemetry.FromEnv("keys-broker"))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	go a.sweeper.Run(ctx)

	servers := []*http.Server{
		newServer(cfg.Addr, a.controlPlane),
		newServer(cfg.GatewayAddr, a.gateway),
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			a.logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 30),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 120),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
}

// app is the wired broker. Backends that are not configured fall back to
// in-process implementations.
type app struct {
	logger       *slog.Logger
	codec        *credential.HMACCodec
	gateway      http.Handler
	controlPlane http.Handler
	sweeper      *approval.Sweeper
	closers      []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config) (*app, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	a := &app{logger: logger}
	clk := clock.Real()
	hub := stream.NewHub()
	reg := metrics.NewRegistry()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := openDBFn(ctx)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		pool = p
		a.closers = append(a.closers, pool.Close)
		if _, err := store.Migrate(ctx, pool, logger); err != nil {
			a.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		c, err := openRedisFn(ctx)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory limits and revocations", "error", err)
		} else {
			redisClient = c
			a.closers = append(a.closers, func() { _ = c.Close() })
		}
	}

	var revocations credential.RevocationSet = credential.NewMemoryRevocations()
	var limiter ratelimit.Limiter = ratelimit.NewInMemory(clk)
	if redisClient != nil {
		revocations = credential.NewRedisRevocations(redisClient)
		rl := ratelimit.NewRedis(redisClient, clk)
		rl.Logger = logger
		limiter = rl
	}
	opts := credential.Options{
		Issuer:      cfg.Issuer,
		Clock:       clk,
		Revocations: revocations,
		DefaultTTL:  cfg.CredentialTTL,
	}
	if cfg.SigningSecret != "" {
		opts.Secret = []byte(cfg.SigningSecret)
		opts.KeyID = cfg.SigningKeyID
	}
	codec, err := credential.NewHMAC(opts)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("codec: %w", err)
	}
	a.codec = codec

	var policies policy.Store = policy.NewMemoryStore(clk)
	var auditStore audit.Store = audit.NewMemoryStore()
	if pool != nil {
		policies = &policy.PostgresStore{DB: pool, Clock: clk}
		auditStore = &audit.PostgresStore{DB: pool}
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := audit.NewKafkaSink(audit.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		sink.Redact = cfg.AuditRedact
		sink.HashSalt = []byte(cfg.AuditHashSalt)
		a.closers = append(a.closers, func() { _ = sink.Close() })
		auditStore = audit.Tee{auditStore, sink}
	}
	if cfg.PolicySeedFile != "" {
		seed, err := policy.LoadFile(cfg.PolicySeedFile)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("policy seed: %w", err)
		}
		if err := policy.Seed(ctx, policies, seed); err != nil {
			a.close()
			return nil, err
		}
		logger.Info("policies seeded", "count", len(seed))
	}

	var approvals approval.Store = approval.NewMemoryStore()
	if cfg.ApprovalDB != "" {
		s, err := approval.OpenSQLite(ctx, cfg.ApprovalDB)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("approval db: %w", err)
		}
		approvals = s
		a.closers = append(a.closers, func() { _ = s.Close() })
	}
	workflow := &approval.Workflow{Store: approvals, Clock: clk, Events: hub, Logger: logger}
	a.sweeper = &approval.Sweeper{Workflow: workflow, Interval: cfg.SweepInterval}
	engine := &policy.Engine{Store: policies, Clock: clk, HighRisk: cfg.HighRisk, Logger: logger}

	routes, err := gateway.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("routes: %w", err)
	}
	var authz gateway.Authorizer
	if cfg.GatewayOrgID != "" {
		authz = &gateway.PolicyAuthorizer{Store: policies, OrgID: cfg.GatewayOrgID, Clock: clk}
	}
	gw, err := gateway.New(gateway.Config{
		Codec:           codec,
		Limiter:         limiter,
		Routes:          routes,
		Audit:           auditStore,
		Authorizer:      authz,
		Events:          hub,
		Metrics:         reg,
		Client:          telemetry.InstrumentClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		Clock:           clk,
		Logger:          logger,
		Header:          cfg.AgentHeader,
		FingerprintSalt: []byte(cfg.FingerprintSalt),
		TrustProxy:      cfg.TrustProxy,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("gateway: %w", err)
	}
	a.gateway = telemetry.HTTPMiddleware("gateway")(gw)

	cp := &api.Server{
		Codec:            codec,
		Workflow:         workflow,
		Policies:         policies,
		Engine:           engine,
		Audit:            auditStore,
		Events:           hub,
		Metrics:          reg,
		Clock:            clk,
		Logger:           logger,
		AuthMode:         cfg.AuthMode,
		AuthSecret:       cfg.AuthSecret,
		AuthIssuer:       cfg.AuthIssuer,
		CORSOrigins:      cfg.CORSOrigins,
		WSOrigins:        cfg.WSOrigins,
		MaxCredentialTTL: cfg.MaxTTL,
	}
	a.controlPlane = cp.Handler()
	logger.Info("broker configured",
		"routes", len(routes.Routes()),
		"postgres", pool != nil,
		"redis", redisClient != nil,
		"kafka", len(cfg.KafkaBrokers) > 0,
		"approval_db", cfg.ApprovalDB != "",
		"key_id", codec.KeyID(),
	)
	return a, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
