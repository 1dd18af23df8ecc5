// Package gateway is the agent-facing request pipeline: it authenticates
// the credential, applies the route's rate limit, resolves the route,
// forwards the call upstream and writes exactly one audit record for
// every request it sees.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kagehq/keys-sub000/pkg/audit"
	"github.com/kagehq/keys-sub000/pkg/clock"
	"github.com/kagehq/keys-sub000/pkg/credential"
	"github.com/kagehq/keys-sub000/pkg/httpx"
	"github.com/kagehq/keys-sub000/pkg/metrics"
	"github.com/kagehq/keys-sub000/pkg/ratelimit"
	"github.com/kagehq/keys-sub000/pkg/stream"
	"github.com/kagehq/keys-sub000/pkg/telemetry"
)

type Outcome string

const (
	Success       Outcome = "success"
	Unauthorized  Outcome = "unauthorized"
	RateLimited   Outcome = "rate-limited"
	Forbidden     Outcome = "forbidden"
	UpstreamError Outcome = "upstream-error"
)

func (o Outcome) HTTPStatus() int {
	switch o {
	case Success:
		return http.StatusOK
	case Unauthorized:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case Forbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

const (
	DefaultHeader    = "X-Agent-Key"
	UnknownPrincipal = "unknown"

	errScopeNotPermitted = "scope not permitted for this route"
)

type Config struct {
	Codec   credential.Codec
	Limiter ratelimit.Limiter
	Routes  *RouteTable
	Audit   audit.Store

	// Optional collaborators.
	Authorizer Authorizer
	Events     stream.Publisher
	Metrics    *metrics.Registry
	Client     *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger

	// Header carries the raw credential; DefaultHeader when empty.
	Header          string
	FingerprintSalt []byte
	TrustProxy      bool
	AuditTimeout    time.Duration
}

type Gateway struct {
	cfg    Config
	header string
	clock  clock.Clock
	log    *slog.Logger
}

func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Codec == nil:
		return nil, errors.New("gateway: codec required")
	case cfg.Limiter == nil:
		return nil, errors.New("gateway: limiter required")
	case cfg.Routes == nil:
		return nil, errors.New("gateway: route table required")
	case cfg.Audit == nil:
		return nil, errors.New("gateway: audit store required")
	}
	if cfg.Client == nil {
		cfg.Client = telemetry.InstrumentClient(nil)
	}
	if cfg.Events == nil {
		cfg.Events = stream.Discard{}
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 5 * time.Second
	}
	header := strings.TrimSpace(cfg.Header)
	if header == "" {
		header = DefaultHeader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{cfg: cfg, header: header, clock: clock.OrReal(cfg.Clock), log: logger}, nil
}

// exchange is the state of one request as it moves through the pipeline.
type exchange struct {
	w       *trackingWriter
	r       *http.Request
	rec     audit.Record
	outcome Outcome
	start   time.Time
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := &exchange{
		w:     &trackingWriter{ResponseWriter: w},
		r:     r,
		start: g.clock.Now(),
	}
	ex.rec = audit.Record{Timestamp: ex.start, Agent: UnknownPrincipal, Method: r.Method}
	defer g.finish(ex)
	g.serve(ex)
}

func (g *Gateway) serve(ex *exchange) {
	r := ex.r
	ctx := r.Context()

	raw := strings.TrimSpace(r.Header.Get(g.header))
	if raw == "" {
		g.reject(ex, Unauthorized, "missing", "missing credential header "+g.header)
		return
	}
	ex.rec.CredentialHash = credential.Fingerprint(raw, g.cfg.FingerprintSalt)

	verdict := g.cfg.Codec.Verify(ctx, raw)
	// Only a valid or revoked jti names a credential this broker issued.
	if verdict.Valid || verdict.Reason == credential.ReasonRevoked {
		ex.rec.CredentialID = verdict.Claims.ID
	}
	if !verdict.Valid {
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.IncRejection(string(verdict.Reason))
		}
		g.reject(ex, Unauthorized, string(verdict.Reason), "credential "+string(verdict.Reason))
		return
	}
	claims := verdict.Claims
	ex.rec.Agent = claims.Subject
	ex.rec.Scope = claims.Scope

	route, found := g.cfg.Routes.Match(claims.Scope, r.Method, r.URL.Path)
	var budget *ratelimit.Budget
	if found {
		ex.rec.Route = route.Name
		budget = route.RateLimit
	}
	if d := g.cfg.Limiter.Admit(ctx, ratelimit.Key(claims.Subject, claims.Scope), budget); !d.Allowed {
		retry := int(d.ResetAt.Sub(g.clock.Now()).Seconds() + 0.999)
		if retry < 1 {
			retry = 1
		}
		ex.w.Header().Set("Retry-After", strconv.Itoa(retry))
		g.reject(ex, RateLimited, "rate-limited", "rate limit exceeded")
		return
	}
	if !found {
		g.reject(ex, Forbidden, "scope", errScopeNotPermitted)
		return
	}
	if g.cfg.Authorizer != nil {
		ok, err := g.cfg.Authorizer.Authorize(ctx, AuthzRequest{
			Claims:    claims,
			Route:     route,
			IP:        httpx.ClientIP(r, g.cfg.TrustProxy),
			UserAgent: r.UserAgent(),
		})
		if err != nil || !ok {
			detail := "denied by policy"
			if err != nil {
				detail = "policy check failed: " + err.Error()
			}
			g.reject(ex, Forbidden, "policy", detail)
			return
		}
	}
	g.forward(ex, route)
}

func (g *Gateway) forward(ex *exchange, route Route) {
	in := ex.r
	// The upstream call outlives an inbound disconnect.
	ctx := context.WithoutCancel(in.Context())
	ctx, span := telemetry.Tracer("gateway").Start(ctx, "gateway.forward")
	defer span.End()
	span.SetAttributes(attribute.String("route", route.Name), attribute.String("scope", ex.rec.Scope))

	out, err := http.NewRequestWithContext(ctx, route.Method, route.targetURL(in), in.Body)
	if err != nil {
		g.reject(ex, UpstreamError, "upstream", "build upstream request: "+err.Error())
		return
	}
	out.ContentLength = in.ContentLength
	out.Header = in.Header.Clone()
	httpx.StripHopByHop(out.Header)
	out.Header.Del(g.header)
	for k, v := range route.Headers {
		out.Header.Set(k, v)
	}

	upstreamStart := g.clock.Now()
	resp, err := g.cfg.Client.Do(out)
	latency := g.clock.Now().Sub(upstreamStart)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream transport failure")
		g.reject(ex, UpstreamError, "upstream", err.Error())
		return
	}
	defer resp.Body.Close()
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ObserveUpstream(route.Name, latency)
	}

	ms := latency.Milliseconds()
	ex.rec.ProviderLatencyMS = &ms
	ex.outcome = Success
	span.SetAttributes(attribute.Int("upstream.status", resp.StatusCode))

	header := ex.w.Header()
	httpx.CopyHeaders(header, resp.Header)
	httpx.StripHopByHop(header)
	ex.w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(ex.w, resp.Body); err != nil {
		ex.rec.Error = "relay response body: " + err.Error()
	}
}

func (g *Gateway) reject(ex *exchange, outcome Outcome, reason, detail string) {
	ex.outcome = outcome
	ex.rec.Error = detail
	httpx.Reject(ex.w, outcome.HTTPStatus(), reason, detail)
}

// finish emits the request's single audit record. It also turns a panic
// anywhere in the pipeline into an upstream-error.
func (g *Gateway) finish(ex *exchange) {
	if p := recover(); p != nil {
		g.log.Error("gateway panic", "panic", p, "route", ex.rec.Route)
		ex.outcome = UpstreamError
		ex.rec.Error = fmt.Sprintf("internal failure: %v", p)
		if !ex.w.wrote {
			httpx.Reject(ex.w, http.StatusBadGateway, "upstream", "upstream request failed")
		}
	}
	if ex.outcome == "" {
		ex.outcome = UpstreamError
		ex.rec.Error = "request ended without an outcome"
	}
	ex.rec.Status = string(ex.outcome)
	ex.rec.DurationMS = g.clock.Now().Sub(ex.start).Milliseconds()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ex.r.Context()), g.cfg.AuditTimeout)
	defer cancel()
	if err := g.cfg.Audit.Append(ctx, ex.rec); err != nil {
		g.log.Error("audit append failed", "error", err, "agent", ex.rec.Agent, "status", ex.rec.Status)
	}
	g.cfg.Events.Publish(stream.NewEventAt(stream.TypeAudit, ex.start, ex.rec))
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.IncOutcome(ex.rec.Status)
	}
	g.log.Info("gateway request",
		"agent", ex.rec.Agent,
		"scope", ex.rec.Scope,
		"route", ex.rec.Route,
		"status", ex.rec.Status,
		"duration_ms", ex.rec.DurationMS,
	)
}

type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		t.wrote = true
		f.Flush()
	}
}

func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}
