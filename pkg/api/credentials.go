package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kagehq/keys-sub000/pkg/credential"
	"github.com/kagehq/keys-sub000/pkg/httpx"
	"github.com/kagehq/keys-sub000/pkg/scope"
	"github.com/kagehq/keys-sub000/pkg/stream"
)

type issueRequest struct {
	AgentID    string `json:"agent_id"`
	Audience   string `json:"audience,omitempty"`
	Scope      string `json:"scope"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type issueResponse struct {
	Credential string            `json:"credential"`
	Claims     credential.Claims `json:"claims"`
}

type verifyRequest struct {
	Credential string `json:"credential"`
}

type verifyResponse struct {
	Valid  bool               `json:"valid"`
	Reason credential.Reason  `json:"reason,omitempty"`
	Claims *credential.Claims `json:"claims,omitempty"`
}

var errInvalidIssue = errors.New("invalid issue request")

func (s *Server) issueCredential(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.issue(req.AgentID, req.Audience, req.Scope, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errInvalidIssue) || errors.Is(err, credential.ErrInvalidClaims) {
			status = http.StatusBadRequest
		}
		httpx.Error(w, status, err.Error())
		return
	}
	s.log().Info("credential issued", "jti", resp.Claims.ID, "agent", resp.Claims.Subject, "scope", resp.Claims.Scope, "operator", principalName(r))
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

// issue mints a credential for agent. The audience defaults to the scope's
// service and ttl is capped at the server maximum.
func (s *Server) issue(agent, audience, requested string, ttl time.Duration) (issueResponse, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return issueResponse{}, errors.Join(errInvalidIssue, errors.New("agent_id required"))
	}
	pat, err := scope.Parse(requested)
	if err != nil {
		return issueResponse{}, errors.Join(errInvalidIssue, err)
	}
	if ttl <= 0 {
		return issueResponse{}, errors.Join(errInvalidIssue, errors.New("ttl must be positive"))
	}
	ttl = min(ttl, s.maxTTL())
	if strings.TrimSpace(audience) == "" {
		audience = pat.Service
	}
	now := s.now()
	claims := credential.Claims{
		Subject:   agent,
		Audience:  audience,
		Scope:     pat.String(),
		NotBefore: now,
		ExpiresAt: now.Add(ttl),
	}
	if ci, ok := s.Codec.(credential.ClaimsIssuer); ok {
		raw, signed, err := ci.IssueClaims(claims)
		if err != nil {
			return issueResponse{}, err
		}
		return issueResponse{Credential: raw, Claims: signed}, nil
	}
	claims.ID = uuid.NewString()
	raw, err := s.Codec.Issue(claims)
	if err != nil {
		return issueResponse{}, err
	}
	return issueResponse{Credential: raw, Claims: claims}, nil
}

func (s *Server) verifyCredential(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome := s.Codec.Verify(r.Context(), req.Credential)
	resp := verifyResponse{Valid: outcome.Valid, Reason: outcome.Reason}
	if outcome.Valid {
		resp.Claims = &outcome.Claims
	} else {
		s.Metrics.IncRejection(string(outcome.Reason))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) revokeCredential(w http.ResponseWriter, r *http.Request) {
	jti := chi.URLParam(r, "jti")
	if err := s.Codec.Revoke(r.Context(), jti); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, credential.ErrInvalidClaims) {
			status = http.StatusBadRequest
		}
		httpx.Error(w, status, err.Error())
		return
	}
	s.publish(stream.NewEventAt(stream.TypeRevoked, s.now(), map[string]string{"jti": jti}))
	s.log().Info("credential revoked", "jti", jti, "operator", principalName(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rotateKey(w http.ResponseWriter, r *http.Request) {
	kid, err := s.Codec.RotateKey()
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publish(stream.NewEventAt(stream.TypeKeyRotated, s.now(), map[string]string{"key_id": kid}))
	s.log().Warn("signing key rotated; earlier credentials no longer verify", "key_id", kid, "operator", principalName(r))
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"key_id": kid})
}
