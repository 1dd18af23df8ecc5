package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kagehq/keys-sub000/pkg/clock"
	"github.com/kagehq/keys-sub000/pkg/scope"
	"github.com/kagehq/keys-sub000/pkg/stream"
)

// Store persists requests. Update must apply fn and write the result
// atomically with respect to other Updates of the same id; if fn returns
// an error nothing is written and the error is returned.
type Store interface {
	Create(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
	Update(ctx context.Context, id string, fn func(*Request) error) (Request, error)
}

type Workflow struct {
	Store  Store
	Clock  clock.Clock
	Events stream.Publisher
	Logger *slog.Logger
}

type SubmitInput struct {
	OrgID           string            `json:"org_id"`
	ProjectID       string            `json:"project_id"`
	AgentID         string            `json:"agent_id"`
	Scope           string            `json:"scope"`
	DurationSeconds int64             `json:"duration_seconds"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (in SubmitInput) validate() error {
	if strings.TrimSpace(in.AgentID) == "" {
		return fmt.Errorf("%w: agent_id required", ErrInvalidRequest)
	}
	if _, err := scope.Parse(in.Scope); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if in.DurationSeconds <= 0 {
		return fmt.Errorf("%w: duration_seconds must be positive", ErrInvalidRequest)
	}
	return nil
}

// Submit always records a new pending request. Whether approval is needed
// at all is the caller's decision.
func (w *Workflow) Submit(ctx context.Context, in SubmitInput) (Request, error) {
	if err := in.validate(); err != nil {
		return Request{}, err
	}
	req := Request{
		ID:              uuid.NewString(),
		OrgID:           in.OrgID,
		ProjectID:       in.ProjectID,
		AgentID:         in.AgentID,
		Scope:           in.Scope,
		DurationSeconds: in.DurationSeconds,
		Metadata:        in.Metadata,
		Status:          Pending,
		Decisions:       []Decision{},
		RequestedAt:     w.now(),
	}
	if err := w.Store.Create(ctx, req); err != nil {
		return Request{}, fmt.Errorf("store approval request: %w", err)
	}
	w.publish(stream.TypeApprovalSubmitted, req)
	w.log().Info("approval submitted", "id", req.ID, "agent", req.AgentID, "scope", req.Scope)
	return req, nil
}

func (w *Workflow) Decide(ctx context.Context, id, approverID string, verdict Verdict, reason string) (Request, error) {
	target, err := verdict.status()
	if err != nil {
		return Request{}, err
	}
	now := w.now()
	req, err := w.Store.Update(ctx, id, func(r *Request) error {
		if !CanTransition(r.Status, target) {
			return ErrAlreadyResolved
		}
		r.Decisions = append(r.Decisions, Decision{ApproverID: approverID, Verdict: verdict, Reason: reason, At: now})
		r.Status = target
		r.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	w.publish(stream.TypeApprovalResolved, req)
	w.log().Info("approval resolved", "id", req.ID, "status", req.Status, "approver", approverID)
	return req, nil
}

// SweepExpired moves every pending request whose deadline is before now to
// expired and returns how many it moved. Requests resolved concurrently
// are skipped.
func (w *Workflow) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	pending, err := w.Store.List(ctx, Filter{Status: Pending})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, candidate := range pending {
		if !candidate.Overdue(now) {
			continue
		}
		req, err := w.Store.Update(ctx, candidate.ID, func(r *Request) error {
			if !CanTransition(r.Status, Expired) {
				return ErrAlreadyResolved
			}
			r.Status = Expired
			at := now
			r.ResolvedAt = &at
			return nil
		})
		if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
		w.publish(stream.TypeApprovalExpired, req)
	}
	if count > 0 {
		w.log().Info("approvals expired", "count", count)
	}
	return count, nil
}

func (w *Workflow) Get(ctx context.Context, id string) (Request, error) {
	return w.Store.Get(ctx, id)
}

func (w *Workflow) List(ctx context.Context, f Filter) ([]Request, error) {
	return w.Store.List(ctx, f)
}

func (w *Workflow) now() time.Time {
	return clock.OrReal(w.Clock).Now().UTC()
}

func (w *Workflow) publish(eventType string, req Request) {
	if w.Events == nil {
		return
	}
	w.Events.Publish(stream.NewEventAt(eventType, w.now(), req))
}

func (w *Workflow) log() *slog.Logger {
	if w.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.Logger
}
