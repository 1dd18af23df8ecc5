// Package approval holds requests for high-risk scopes until a human
// approves or denies them, or until they lapse.
//
// A request moves from pending to exactly one of approved, denied or
// expired, and never leaves a terminal state. One decision resolves a
// request; there is no quorum.
package approval

import (
	"errors"
	"time"
)

type Status string

const (
	Pending  Status = "pending"
	Approved Status = "approved"
	Denied   Status = "denied"
	Expired  Status = "expired"
)

type Verdict string

const (
	Approve Verdict = "approve"
	Deny    Verdict = "deny"
)

var (
	ErrNotFound          = errors.New("not-found")
	ErrAlreadyResolved   = errors.New("already-resolved")
	ErrInvalidVerdict    = errors.New("invalid verdict")
	ErrInvalidRequest    = errors.New("invalid approval request")
	ErrInvalidTransition = errors.New("invalid approval transition")
)

type Decision struct {
	ApproverID string    `json:"approver_id"`
	Verdict    Verdict   `json:"verdict"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

type Request struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"org_id"`
	ProjectID       string            `json:"project_id"`
	AgentID         string            `json:"agent_id"`
	Scope           string            `json:"scope"`
	DurationSeconds int64             `json:"duration_seconds"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          Status            `json:"status"`
	Decisions       []Decision        `json:"decisions"`
	RequestedAt     time.Time         `json:"requested_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
}

// ExpiresAt is when a still-pending request lapses.
func (r Request) ExpiresAt() time.Time {
	return r.RequestedAt.Add(time.Duration(r.DurationSeconds) * time.Second)
}

// Overdue reports whether the request's deadline is strictly before now.
func (r Request) Overdue(now time.Time) bool {
	return r.ExpiresAt().Before(now)
}

type Filter struct {
	OrgID   string
	AgentID string
	Status  Status
	Limit   int
}

func (f Filter) match(r Request) bool {
	if f.OrgID != "" && r.OrgID != f.OrgID {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

func CanTransition(from, to Status) bool {
	return from == Pending && (to == Approved || to == Denied || to == Expired)
}

func IsTerminal(s Status) bool {
	switch s {
	case Approved, Denied, Expired:
		return true
	default:
		return false
	}
}

func (v Verdict) status() (Status, error) {
	switch v {
	case Approve:
		return Approved, nil
	case Deny:
		return Denied, nil
	default:
		return "", ErrInvalidVerdict
	}
}

func clone(r Request) Request {
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	r.Decisions = append([]Decision(nil), r.Decisions...)
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		r.ResolvedAt = &at
	}
	return r
}
