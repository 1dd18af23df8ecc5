package policy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kagehq/keys-sub000/pkg/clock"
	"github.com/kagehq/keys-sub000/pkg/scope"
)

// BypassAction is the action a rule allows to let a high-risk scope skip
// human approval.
const BypassAction = "approve:bypass"

type Store interface {
	List(ctx context.Context, orgID string) ([]Policy, error)
	Get(ctx context.Context, id string) (Policy, error)
	Put(ctx context.Context, p Policy) (Policy, error)
	Delete(ctx context.Context, id string) error
}

type Engine struct {
	Store Store
	Clock clock.Clock
	// HighRisk lists scope patterns that need a human decision before a
	// credential is issued. ProjectHighRisk adds patterns for one project.
	HighRisk        []string
	ProjectHighRisk map[string][]string
	Logger          *slog.Logger
}

func (e *Engine) Evaluate(ctx context.Context, orgID, action, resource string, pctx Context) (Decision, error) {
	// An empty org has no policies; listing "" would merge every tenant.
	if strings.TrimSpace(orgID) == "" {
		return Decision{Effect: Deny, RuleIndex: -1}, nil
	}
	policies, err := e.Store.List(ctx, orgID)
	if err != nil {
		return Decision{Effect: Deny, RuleIndex: -1}, err
	}
	if pctx.Now.IsZero() {
		pctx.Now = clock.OrReal(e.Clock).Now()
	}
	return Evaluate(policies, action, resource, pctx), nil
}

// RequiresApproval reports whether issuing a credential for requested needs
// a human decision. Store failures answer true.
func (e *Engine) RequiresApproval(ctx context.Context, orgID, projectID, requested string) bool {
	if !e.highRisk(projectID, requested) {
		return false
	}
	decision, err := e.Evaluate(ctx, orgID, BypassAction, requested, Context{})
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("policy lookup failed, approval required", "org", orgID, "scope", requested, "error", err)
		}
		return true
	}
	return !(decision.Matched && decision.Allowed())
}

func (e *Engine) highRisk(projectID, requested string) bool {
	for _, p := range e.HighRisk {
		if scope.Matches(p, requested) {
			return true
		}
	}
	for _, p := range e.ProjectHighRisk[projectID] {
		if scope.Matches(p, requested) {
			return true
		}
	}
	return false
}
