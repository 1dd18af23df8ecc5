// Package policy evaluates organisation RBAC rules. Rules are scanned in
// definition order across active policies and the first match decides;
// when nothing matches the answer is deny.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

var (
	ErrNotFound      = errors.New("policy not found")
	ErrInvalidPolicy = errors.New("invalid policy")
)

type TimeWindow struct {
	Start string `json:"start,omitempty" yaml:"start,omitempty"`
	End   string `json:"end,omitempty" yaml:"end,omitempty"`
}

type Conditions struct {
	Time        *TimeWindow `json:"time,omitempty" yaml:"time,omitempty"`
	Days        []string    `json:"days,omitempty" yaml:"days,omitempty"`
	IPAllowlist []string    `json:"ip_allowlist,omitempty" yaml:"ip_allowlist,omitempty"`
	UserAgents  []string    `json:"user_agents,omitempty" yaml:"user_agents,omitempty"`
}

type Rule struct {
	Effect     Effect      `json:"effect" yaml:"effect"`
	Resources  []string    `json:"resources" yaml:"resources"`
	Actions    []string    `json:"actions" yaml:"actions"`
	Conditions *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

type Policy struct {
	ID        string    `json:"id" yaml:"id"`
	OrgID     string    `json:"org_id" yaml:"org_id"`
	Name      string    `json:"name" yaml:"name"`
	Active    bool      `json:"active" yaml:"active"`
	Rules     []Rule    `json:"rules" yaml:"rules"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Context carries the request attributes conditions are checked against.
type Context struct {
	Now       time.Time
	IP        string
	UserAgent string
}

type Decision struct {
	Effect    Effect `json:"effect"`
	PolicyID  string `json:"policy_id,omitempty"`
	RuleIndex int    `json:"rule_index"`
	Matched   bool   `json:"matched"`
}

func (d Decision) Allowed() bool { return d.Effect == Allow }

// Evaluate returns the effect of the first matching rule, or a default deny.
func Evaluate(policies []Policy, action, resource string, ctx Context) Decision {
	for _, p := range policies {
		if !p.Active {
			continue
		}
		for i, rule := range p.Rules {
			if !rule.matches(action, resource, ctx) {
				continue
			}
			return Decision{Effect: rule.Effect, PolicyID: p.ID, RuleIndex: i, Matched: true}
		}
	}
	return Decision{Effect: Deny, RuleIndex: -1}
}

func (r Rule) matches(action, resource string, ctx Context) bool {
	if !matchAnyAction(r.Actions, action) {
		return false
	}
	if !matchAnyResource(r.Resources, resource) {
		return false
	}
	return r.Conditions.hold(ctx)
}

// Validate checks a policy before it is stored.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.OrgID) == "" {
		return fmt.Errorf("%w: org_id required", ErrInvalidPolicy)
	}
	for i, rule := range p.Rules {
		if rule.Effect != Allow && rule.Effect != Deny {
			return fmt.Errorf("%w: rule %d effect %q", ErrInvalidPolicy, i, rule.Effect)
		}
		if len(rule.Actions) == 0 || len(rule.Resources) == 0 {
			return fmt.Errorf("%w: rule %d needs actions and resources", ErrInvalidPolicy, i)
		}
		if err := rule.Conditions.validate(); err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalidPolicy, i, err)
		}
	}
	return nil
}
