package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kagehq/keys-sub000/pkg/clock"
	"github.com/kagehq/keys-sub000/pkg/stream"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func stores() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), ":memory:")
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

var start = time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)

func newWorkflow(t *testing.T, f storeFactory) (*Workflow, *clock.FakeClock, *stream.Hub) {
	t.Helper()
	clk := clock.Fake(start)
	hub := stream.NewHub()
	return &Workflow{Store: f.open(t), Clock: clk, Events: hub}, clk, hub
}

func submitInput() SubmitInput {
	return SubmitInput{
		OrgID:           "org-1",
		ProjectID:       "proj-1",
		AgentID:         "agent-1",
		Scope:           "stripe:charges.create",
		DurationSeconds: 600,
		Metadata:        map[string]string{"reason": "refund batch"},
	}
}

func TestSubmitAndDeny(t *testing.T) {
	for _, f := range stores() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			wf, _, _ := newWorkflow(t, f)
			ctx := context.Background()
			req, err := wf.Submit(ctx, submitInput())
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if req.Status != Pending || req.ID == "" || !req.RequestedAt.Equal(start) {
				t.Fatalf("unexpected submitted request: %+v", req)
			}
			if !req.ExpiresAt().Equal(start.Add(10 * time.Minute)) {
				t.Fatalf("unexpected expiry %v", req.ExpiresAt())
			}

			denied, err := wf.Decide(ctx, req.ID, "approver-1", Deny, "too broad")
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			if denied.Status != Denied || len(denied.Decisions) != 1 || denied.ResolvedAt == nil {
				t.Fatalf("unexpected denied request: %+v", denied)
			}
			if _, err := wf.Decide(ctx, req.ID, "approver-2", Approve, ""); !errors.Is(err, ErrAlreadyResolved) {
				t.Fatalf("expected already-resolved, got %v", err)
			}

			stored, err := wf.Get(ctx, req.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if stored.Status != Denied || len(stored.Decisions) != 1 || stored.Decisions[0].Reason != "too broad" {
				t.Fatalf("second decide must not be recorded: %+v", stored)
			}
			if stored.Metadata["reason"] != "refund batch" {
				t.Fatalf("metadata lost: %+v", stored.Metadata)
			}
		})
	}
}

func TestDecideErrors(t *testing.T) {
	for _, f := range stores() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			wf, _, _ := newWorkflow(t, f)
			ctx := context.Background()
			if _, err := wf.Decide(ctx, "missing", "a", Approve, ""); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not-found, got %v", err)
			}
			req, _ := wf.Submit(ctx, submitInput())
			if _, err := wf.Decide(ctx, req.ID, "a", Verdict("maybe"), ""); !errors.Is(err, ErrInvalidVerdict) {
				t.Fatalf("expected invalid verdict, got %v", err)
			}
			approved, err := wf.Decide(ctx, req.ID, "a", Approve, "")
			if err != nil || approved.Status != Approved {
				t.Fatalf("expected approve, got %+v err=%v", approved, err)
			}
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	wf := &Workflow{Store: NewMemoryStore()}
	bad := []SubmitInput{
		{Scope: "a:b.c", DurationSeconds: 10},
		{AgentID: "a", Scope: "nope", DurationSeconds: 10},
		{AgentID: "a", Scope: "a:b.c"},
	}
	for i, in := range bad {
		if _, err := wf.Submit(context.Background(), in); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: expected invalid request, got %v", i, err)
		}
	}
}

func TestSweepExpiredIdempotent(t *testing.T) {
	for _, f := range stores() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			wf, _, _ := newWorkflow(t, f)
			ctx := context.Background()
			req, _ := wf.Submit(ctx, submitInput())
			resolved, _ := wf.Submit(ctx, submitInput())
			if _, err := wf.Decide(ctx, resolved.ID, "a", Approve, ""); err != nil {
				t.Fatalf("decide: %v", err)
			}

			n, err := wf.SweepExpired(ctx, req.ExpiresAt())
			if err != nil || n != 0 {
				t.Fatalf("deadline itself is not overdue: n=%d err=%v", n, err)
			}
			after := req.ExpiresAt().Add(time.Second)
			n, err = wf.SweepExpired(ctx, after)
			if err != nil || n != 1 {
				t.Fatalf("expected one expiry, got n=%d err=%v", n, err)
			}
			n, err = wf.SweepExpired(ctx, after)
			if err != nil || n != 0 {
				t.Fatalf("expected second sweep to report 0, got n=%d err=%v", n, err)
			}
			got, _ := wf.Get(ctx, req.ID)
			if got.Status != Expired || got.ResolvedAt == nil || !got.ResolvedAt.Equal(after) {
				t.Fatalf("unexpected expired request: %+v", got)
			}
			if _, err := wf.Decide(ctx, req.ID, "a", Approve, ""); !errors.Is(err, ErrAlreadyResolved) {
				t.Fatalf("expired request must reject decisions, got %v", err)
			}
			approved, _ := wf.Get(ctx, resolved.ID)
			if approved.Status != Approved {
				t.Fatalf("sweep must skip resolved requests, got %s", approved.Status)
			}
		})
	}
}

func TestDecideRacesSweep(t *testing.T) {
	for _, f := range stores() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			wf, _, _ := newWorkflow(t, f)
			ctx := context.Background()
			req, _ := wf.Submit(ctx, submitInput())
			after := req.ExpiresAt().Add(time.Second)

			var (
				wg        sync.WaitGroup
				decideErr error
				swept     int
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, decideErr = wf.Decide(ctx, req.ID, "a", Approve, "")
			}()
			go func() {
				defer wg.Done()
				swept, _ = wf.SweepExpired(ctx, after)
			}()
			wg.Wait()

			got, _ := wf.Get(ctx, req.ID)
			switch got.Status {
			case Approved:
				if decideErr != nil || swept != 0 {
					t.Fatalf("approved but decide=%v swept=%d", decideErr, swept)
				}
			case Expired:
				if !errors.Is(decideErr, ErrAlreadyResolved) || swept != 1 {
					t.Fatalf("expired but decide=%v swept=%d", decideErr, swept)
				}
			default:
				t.Fatalf("request left in %s", got.Status)
			}
		})
	}
}

func TestListFilters(t *testing.T) {
	for _, f := range stores() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			wf, clk, _ := newWorkflow(t, f)
			ctx := context.Background()
			first, _ := wf.Submit(ctx, submitInput())
			clk.Advance(time.Second)
			other := submitInput()
			other.AgentID = "agent-2"
			other.OrgID = "org-2"
			second, _ := wf.Submit(ctx, other)
			clk.Advance(time.Second)
			third, _ := wf.Submit(ctx, submitInput())
			_, _ = wf.Decide(ctx, third.ID, "a", Deny, "")

			all, _ := wf.List(ctx, Filter{})
			if len(all) != 3 || all[0].ID != third.ID || all[2].ID != first.ID {
				t.Fatalf("expected newest first, got %+v", all)
			}
			pending, _ := wf.List(ctx, Filter{Status: Pending})
			if len(pending) != 2 {
				t.Fatalf("expected 2 pending, got %d", len(pending))
			}
			byOrg, _ := wf.List(ctx, Filter{OrgID: "org-2"})
			if len(byOrg) != 1 || byOrg[0].ID != second.ID {
				t.Fatalf("unexpected org filter result: %+v", byOrg)
			}
			byAgent, _ := wf.List(ctx, Filter{AgentID: "agent-1", Limit: 1})
			if len(byAgent) != 1 || byAgent[0].ID != third.ID {
				t.Fatalf("unexpected agent filter result: %+v", byAgent)
			}
		})
	}
}

func TestWorkflowPublishesEvents(t *testing.T) {
	wf, _, hub := newWorkflow(t, stores()[0])
	ch := hub.Subscribe(8)
	defer hub.Unsubscribe(ch)
	ctx := context.Background()

	a, _ := wf.Submit(ctx, submitInput())
	b, _ := wf.Submit(ctx, submitInput())
	_, _ = wf.Decide(ctx, a.ID, "x", Approve, "")
	_, _ = wf.SweepExpired(ctx, b.ExpiresAt().Add(time.Second))

	want := []string{stream.TypeApprovalSubmitted, stream.TypeApprovalSubmitted, stream.TypeApprovalResolved, stream.TypeApprovalExpired}
	for i, typ := range want {
		select {
		case evt := <-ch:
			if evt.Type != typ {
				t.Fatalf("event %d: got %q want %q", i, evt.Type, typ)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestSweeperRun(t *testing.T) {
	wf, clk, _ := newWorkflow(t, stores()[0])
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := wf.Submit(ctx, submitInput())
	clk.Set(req.ExpiresAt().Add(time.Minute))

	done := make(chan struct{})
	go func() {
		(&Sweeper{Workflow: wf, Interval: 5 * time.Millisecond}).Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for {
		got, _ := wf.Get(context.Background(), req.ID)
		if got.Status == Expired {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweeper did not expire request")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	for _, to := range []Status{Approved, Denied, Expired} {
		if !CanTransition(Pending, to) {
			t.Fatalf("pending -> %s must be allowed", to)
		}
		if !IsTerminal(to) {
			t.Fatalf("%s must be terminal", to)
		}
		for _, from := range []Status{Approved, Denied, Expired} {
			if CanTransition(from, to) {
				t.Fatalf("%s -> %s must be rejected", from, to)
			}
		}
	}
	if IsTerminal(Pending) || CanTransition(Pending, Pending) {
		t.Fatal("pending is not terminal and cannot self-transition")
	}
}
