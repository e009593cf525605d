package server

import (
	"net/http"

	"github.com/jonathan/cifix/internal/db"
	"github.com/jonathan/cifix/internal/server/middleware"
)

// handleListFixes lists fixes awaiting a decision.
func (s *Server) handleListFixes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.fixes.Pending(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []db.FailureRecord{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"fixes": records,
		"count": len(records),
	})
}

func (s *Server) handleApproveFix(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := s.fixes.Approve(r.Context(), id, approver(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, decision)
}

func (s *Server) handleRejectFix(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := s.fixes.Reject(r.Context(), id, approver(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, decision)
}

func (s *Server) handleFixStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.fixes.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

// approver is the authenticated approver, or "" when auth is disabled.
func approver(r *http.Request) string {
	name, err := middleware.GetApprover(r)
	if err != nil {
		return ""
	}
	return name
}
