package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kagehq/keys-sub000/pkg/httpx"
	"github.com/kagehq/keys-sub000/pkg/policy"
)

type evaluateRequest struct {
	OrgID     string `json:"org_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	org, err := orgFor(r, r.URL.Query().Get("org_id"))
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	items, err := s.Policies.List(r.Context(), org)
	if err != nil {
		writePolicyError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.Policies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writePolicyError(w, err)
		return
	}
	if _, err := orgFor(r, p.OrgID); err != nil {
		writePolicyError(w, policy.ErrNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

// putPolicy creates (POST) or replaces (PUT /{id}) a policy.
func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	org, err := orgFor(r, p.OrgID)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	p.OrgID = org
	status := http.StatusCreated
	if id := chi.URLParam(r, "id"); id != "" {
		p.ID = id
		status = http.StatusOK
	} else {
		p.ID = ""
	}
	saved, err := s.Policies.Put(r.Context(), p)
	if err != nil {
		writePolicyError(w, err)
		return
	}
	s.log().Info("policy saved", "id", saved.ID, "org", saved.OrgID, "active", saved.Active, "operator", principalName(r))
	httpx.WriteJSON(w, status, saved)
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Policies.Delete(r.Context(), id); err != nil {
		writePolicyError(w, err)
		return
	}
	s.log().Info("policy deleted", "id", id, "operator", principalName(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) evaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	org, err := orgFor(r, req.OrgID)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	if s.Engine == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}
	decision, err := s.Engine.Evaluate(r.Context(), org, req.Action, req.Resource, policy.Context{
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		writePolicyError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, decision)
}

func writePolicyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, policy.ErrInvalidPolicy):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		httpx.Error(w, http.StatusInternalServerError, err.Error())
	}
}
