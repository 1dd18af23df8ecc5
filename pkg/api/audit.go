package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kagehq/keys-sub000/pkg/audit"
	"github.com/kagehq/keys-sub000/pkg/httpx"
)

const maxAuditLimit = 1000

// queryAudit answers GET /v1/audit?from&to&agent&scope&status&limit. Time
// bounds are RFC 3339 and inclusive.
func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Agent:  q.Get("agent"),
		Scope:  q.Get("scope"),
		Status: q.Get("status"),
		Limit:  100,
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = min(n, maxAuditLimit)
	}
	records, err := s.Audit.Query(r.Context(), f)
	if err != nil {
		if errors.Is(err, audit.ErrQueryUnsupported) {
			httpx.Error(w, http.StatusNotImplemented, err.Error())
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": records})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
