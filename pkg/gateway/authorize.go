package gateway

import (
	"context"
	"strings"

	"github.com/kagehq/keys-sub000/pkg/clock"
	"github.com/kagehq/keys-sub000/pkg/credential"
	"github.com/kagehq/keys-sub000/pkg/policy"
	"github.com/kagehq/keys-sub000/pkg/scope"
)

type AuthzRequest struct {
	Claims    credential.Claims
	Route     Route
	IP        string
	UserAgent string
}

// Authorizer is an optional check run after a route has matched. A false
// answer or an error makes the request forbidden.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}

// PolicyAuthorizer applies an organisation's RBAC policies to gateway
// traffic. The credential scope "svc:res.act" is evaluated as action "act"
// on resource "svc:res". An organisation without active policies is not
// restricted, and an empty OrgID restricts nothing.
type PolicyAuthorizer struct {
	Store policy.Store
	OrgID string
	Clock clock.Clock
}

func (p *PolicyAuthorizer) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	if strings.TrimSpace(p.OrgID) == "" {
		return true, nil
	}
	policies, err := p.Store.List(ctx, p.OrgID)
	if err != nil {
		return false, err
	}
	if !anyActive(policies) {
		return true, nil
	}
	pat, err := scope.Parse(req.Claims.Scope)
	if err != nil {
		return false, nil
	}
	decision := policy.Evaluate(policies, pat.Action, pat.Service+":"+pat.Resource, policy.Context{
		Now:       clock.OrReal(p.Clock).Now(),
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	return decision.Allowed(), nil
}

func anyActive(policies []policy.Policy) bool {
	for _, p := range policies {
		if p.Active {
			return true
		}
	}
	return false
}
