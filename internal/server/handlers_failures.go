package server

import (
	"net/http"

	"github.com/jonathan/cifix/internal/db"
)

// handleListFailures lists failure records, newest first.
func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filters := db.FailureFilters{
		Owner: q.Get("owner"),
		Repo:  q.Get("repo"),
		Limit: limit,
	}
	if status := q.Get("fix_status"); status != "" {
		filters.FixStatuses = []string{status}
	}

	records, err := s.store.ListFailures(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []db.FailureRecord{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"failures": records,
		"count":    len(records),
	})
}

// handleGetFailure returns one failure record.
func (s *Server) handleGetFailure(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.store.GetFailure(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if record == nil {
		s.writeError(w, r, &ErrNotFound{Resource: "failure", ID: r.PathValue("id")})
		return
	}
	s.jsonResponse(w, http.StatusOK, record)
}
