package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kagehq/keys-sub000/pkg/approval"
	"github.com/kagehq/keys-sub000/pkg/httpx"
	"github.com/kagehq/keys-sub000/pkg/scope"
)

type submitResponse struct {
	ApprovalRequired bool              `json:"approval_required"`
	Request          *approval.Request `json:"request,omitempty"`
	Credential       string            `json:"credential,omitempty"`
	Claims           any               `json:"claims,omitempty"`
}

type decisionRequest struct {
	Verdict approval.Verdict `json:"verdict"`
	Reason  string           `json:"reason,omitempty"`
}

type decisionResponse struct {
	Request    approval.Request `json:"request"`
	Credential string           `json:"credential,omitempty"`
}

// submitApproval asks for a credential. Scopes the policy engine does not
// hold back are issued straight away; the rest wait for a human decision.
func (s *Server) submitApproval(w http.ResponseWriter, r *http.Request) {
	var in approval.SubmitInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	org, err := orgFor(r, in.OrgID)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	if org == "" && !isAdmin(r) {
		httpx.Error(w, http.StatusBadRequest, "org_id required")
		return
	}
	in.OrgID = org
	if _, err := scope.Parse(in.Scope); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.DurationSeconds <= 0 {
		httpx.Error(w, http.StatusBadRequest, "duration_seconds must be positive")
		return
	}

	if s.Engine == nil || !s.Engine.RequiresApproval(r.Context(), in.OrgID, in.ProjectID, in.Scope) {
		issued, err := s.issue(in.AgentID, "", in.Scope, time.Duration(in.DurationSeconds)*time.Second)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, errInvalidIssue) {
				status = http.StatusBadRequest
			}
			httpx.Error(w, status, err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, submitResponse{Credential: issued.Credential, Claims: issued.Claims})
		return
	}

	req, err := s.Workflow.Submit(r.Context(), in)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	s.Metrics.AddApprovals(string(approval.Pending), 1)
	httpx.WriteJSON(w, http.StatusAccepted, submitResponse{ApprovalRequired: true, Request: &req})
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	org, err := orgFor(r, q.Get("org_id"))
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	f := approval.Filter{
		OrgID:   org,
		AgentID: strings.TrimSpace(q.Get("agent_id")),
		Status:  approval.Status(strings.TrimSpace(q.Get("status"))),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	items, err := s.Workflow.List(r.Context(), f)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.Workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	if _, err := orgFor(r, req.OrgID); err != nil {
		httpx.Error(w, http.StatusNotFound, approval.ErrNotFound.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

// decideApproval records the caller's verdict. Approval issues a credential
// for the requested scope lasting the requested duration.
func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	current, err := s.Workflow.Get(r.Context(), id)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	if _, err := orgFor(r, current.OrgID); err != nil {
		httpx.Error(w, http.StatusNotFound, approval.ErrNotFound.Error())
		return
	}
	req, err := s.Workflow.Decide(r.Context(), id, principalName(r), body.Verdict, body.Reason)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	s.Metrics.AddApprovals(string(req.Status), 1)
	resp := decisionResponse{Request: req}
	if req.Status == approval.Approved {
		issued, err := s.issue(req.AgentID, "", req.Scope, time.Duration(req.DurationSeconds)*time.Second)
		if err != nil {
			s.log().Error("issue after approval failed", "id", req.ID, "error", err)
			httpx.Error(w, http.StatusInternalServerError, "approved but credential issuance failed: "+err.Error())
			return
		}
		resp.Credential = issued.Credential
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved):
		httpx.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrInvalidVerdict), errors.Is(err, approval.ErrInvalidRequest):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		httpx.Error(w, http.StatusInternalServerError, err.Error())
	}
}
