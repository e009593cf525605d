package server

import (
	"net/http"
	"strings"
)

// handleRepoProfile aggregates a repository's failure history and learned
// patterns.
func (s *Server) handleRepoProfile(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.PathValue("owner"))
	repo := strings.TrimSpace(r.PathValue("repo"))
	if owner == "" || repo == "" {
		s.writeError(w, r, &ErrValidation{Field: "owner, repo", Message: "are required"})
		return
	}
	p, err := s.profiles.Build(r.Context(), owner, repo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}
