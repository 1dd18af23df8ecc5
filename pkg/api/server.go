// Package api is the operator-facing control plane: credential issuance
// and revocation, approval decisions, policy management, audit queries
// and a live event stream.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kagehq/keys-sub000/pkg/approval"
	"github.com/kagehq/keys-sub000/pkg/audit"
	"github.com/kagehq/keys-sub000/pkg/auth"
	"github.com/kagehq/keys-sub000/pkg/clock"
	"github.com/kagehq/keys-sub000/pkg/credential"
	"github.com/kagehq/keys-sub000/pkg/httpx"
	"github.com/kagehq/keys-sub000/pkg/metrics"
	"github.com/kagehq/keys-sub000/pkg/policy"
	"github.com/kagehq/keys-sub000/pkg/stream"
	"github.com/kagehq/keys-sub000/pkg/telemetry"
)

const defaultMaxCredentialTTL = 24 * time.Hour

type Server struct {
	Codec    credential.Codec
	Workflow *approval.Workflow
	Policies policy.Store
	Engine   *policy.Engine
	Audit    audit.Store
	Events   *stream.Hub
	Metrics  *metrics.Registry
	Clock    clock.Clock
	Logger   *slog.Logger

	AuthMode   string
	AuthSecret string
	AuthIssuer string

	CORSOrigins      string
	WSOrigins        []string
	MaxCredentialTTL time.Duration
}

// Handler builds the control plane router.
func (s *Server) Handler() http.Handler {
	if s.Metrics == nil {
		s.Metrics = metrics.NewRegistry()
	}
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware(routePattern))
	r.Use(telemetry.HTTPMiddleware("control-plane"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "keys-broker"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(s.AuthIssuer),
		auth.WithClock(s.Clock),
	))
	authRouter.Get("/metrics", auth.RequireRoles(s.Metrics.Handler(), auth.RoleOperator, auth.RoleAuditor))
	authRouter.Get("/metrics/prometheus", auth.RequireRoles(s.Metrics.PrometheusHandler(), auth.RoleOperator, auth.RoleAuditor))

	authRouter.Post("/v1/credentials", auth.RequireRoles(s.issueCredential, auth.RoleOperator))
	authRouter.Post("/v1/credentials/verify", auth.RequireRoles(s.verifyCredential, auth.RoleOperator, auth.RoleAuditor))
	authRouter.Post("/v1/credentials/{jti}/revoke", auth.RequireRoles(s.revokeCredential, auth.RoleOperator))
	authRouter.Post("/v1/keys/rotate", auth.RequireRoles(s.rotateKey))

	authRouter.Post("/v1/approvals", auth.RequireRoles(s.submitApproval, auth.RoleOperator))
	authRouter.Get("/v1/approvals", auth.RequireRoles(s.listApprovals, auth.RoleOperator, auth.RoleApprover, auth.RoleAuditor))
	authRouter.Get("/v1/approvals/{id}", auth.RequireRoles(s.getApproval, auth.RoleOperator, auth.RoleApprover, auth.RoleAuditor))
	authRouter.Post("/v1/approvals/{id}/decision", auth.RequireRoles(s.decideApproval, auth.RoleApprover))

	authRouter.Get("/v1/policies", auth.RequireRoles(s.listPolicies, auth.RoleOperator, auth.RoleAuditor))
	authRouter.Post("/v1/policies", auth.RequireRoles(s.putPolicy))
	authRouter.Get("/v1/policies/{id}", auth.RequireRoles(s.getPolicy, auth.RoleOperator, auth.RoleAuditor))
	authRouter.Put("/v1/policies/{id}", auth.RequireRoles(s.putPolicy))
	authRouter.Delete("/v1/policies/{id}", auth.RequireRoles(s.deletePolicy))
	authRouter.Post("/v1/policies/evaluate", auth.RequireRoles(s.evaluatePolicy, auth.RoleOperator, auth.RoleAuditor))

	authRouter.Get("/v1/audit", auth.RequireRoles(s.queryAudit, auth.RoleAuditor, auth.RoleOperator))
	authRouter.Get("/v1/stream", auth.RequireRoles(s.streamEvents, auth.RoleOperator, auth.RoleAuditor, auth.RoleApprover))
	r.Mount("/", authRouter)
	return r
}

// routePattern keys endpoint metrics by chi pattern so ids do not explode
// the metric cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (s *Server) log() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

func (s *Server) now() time.Time {
	return clock.OrReal(s.Clock).Now()
}

func (s *Server) publish(evt stream.Event) {
	if s.Events != nil {
		s.Events.Publish(evt)
	}
}

func (s *Server) maxTTL() time.Duration {
	if s.MaxCredentialTTL > 0 {
		return s.MaxCredentialTTL
	}
	return defaultMaxCredentialTTL
}

var errOrgMismatch = errors.New("org outside operator scope")

// orgFor resolves the org a request acts on. Operators bound to an org may
// only act on it; admins and unbound operators may name any org.
func orgFor(r *http.Request, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	p, _ := auth.PrincipalFromContext(r.Context())
	if p.Org == "" || auth.HasAnyRole(p, auth.RoleAdmin) {
		if requested == "" {
			return p.Org, nil
		}
		return requested, nil
	}
	if requested != "" && requested != p.Org {
		return "", errOrgMismatch
	}
	return p.Org, nil
}

func isAdmin(r *http.Request) bool {
	p, ok := auth.PrincipalFromContext(r.Context())
	return ok && auth.HasAnyRole(p, auth.RoleAdmin)
}

func principalName(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.Subject
	}
	return ""
}
