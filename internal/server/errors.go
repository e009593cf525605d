package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jonathan/cifix/internal/learning"
	"github.com/jonathan/cifix/internal/lifecycle"
	"github.com/jonathan/cifix/internal/webhook"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
	// Fields maps each failing field to the rule it broke.
	Fields map[string]string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrNotFound indicates an unknown resource
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var validationErr *ErrValidation
	var notFoundErr *ErrNotFound
	var stateErr *lifecycle.ErrInvalidState

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr), errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrSignatureInvalid):
		return http.StatusForbidden
	case errors.Is(err, webhook.ErrPayloadMalformed), errors.Is(err, learning.ErrInvalidFeedback):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and writes it. Internal errors are logged
// and their message is not exposed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("request_id", requestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		s.errorResponse(w, status, "internal server error")
		return
	}

	var validationErr *ErrValidation
	if errors.As(err, &validationErr) && len(validationErr.Fields) > 0 {
		s.jsonResponse(w, status, map[string]any{
			"error":  err.Error(),
			"fields": validationErr.Fields,
		})
		return
	}
	s.errorResponse(w, status, err.Error())
}
