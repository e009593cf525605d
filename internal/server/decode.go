package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/jonathan/cifix/internal/types"
)

const (
	maxJSONBody    = 1 << 20
	maxWebhookBody = 25 << 20
	defaultLimit   = 50
	maxLimit       = 500
)

type validatable interface {
	Validate() error
}

// decodeJSON reads a bounded JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst validatable) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return &ErrValidation{Message: "request body too large"}
		case errors.Is(err, io.EOF):
			return &ErrValidation{Message: "request body is required"}
		}
		return &ErrValidation{Message: "invalid JSON: " + err.Error()}
	}
	if err := dst.Validate(); err != nil {
		fields := types.FieldErrors(err)
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		slices.Sort(names)
		return &ErrValidation{
			Field:   strings.Join(names, ", "),
			Message: "missing or invalid fields",
			Fields:  fields,
		}
	}
	return nil
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &ErrValidation{Field: "id", Message: "must be a positive integer"}
	}
	return id, nil
}

// queryLimit parses ?limit=N, defaulting and capping it.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &ErrValidation{Field: "limit", Message: "must be a positive integer"}
	}
	return min(n, maxLimit), nil
}
