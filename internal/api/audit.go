package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/bacnet-hub/internal/audit"
)

// recordAudit stores a maintenance action with the caller's identity.
// A storage failure is logged and never fails the request.
func (s *Server) recordAudit(r *http.Request, rec audit.Record) {
	if s.audit == nil {
		return
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		rec.Subject = claims.Subject
		rec.Role = string(claims.Role)
	}
	if err := s.audit.Create(r.Context(), &rec); err != nil {
		s.logger.Warn("recording audit entry failed", "action", rec.Action, "error", err)
	}
}

// handleListAudit returns recorded maintenance actions, newest first.
// Query parameters: action, entry_id, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:  q.Get("action"),
		EntryID: q.Get("entry_id"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, name+" must be an integer")
			return
		}
		*dst = n
	}

	page, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
