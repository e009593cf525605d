// Package middleware authenticates the approvers who decide on fixes.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type approverKey struct{}

// TokenValidator checks a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (ApproverGetter, error)
}

// ApproverGetter exposes the approver named by validated claims.
type ApproverGetter interface {
	GetApprover() string
}

var (
	errNoCredentials = errors.New("missing bearer token")
	errBadHeader     = errors.New("malformed authorization header")
)

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoCredentials
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errBadHeader
	}
	return token, nil
}

// AuthMiddleware rejects requests without a valid approver token and stores
// the approver in the request context.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				challenge(w, "", err.Error())
				return
			}
			claims, err := validator.ValidateToken(token)
			if err != nil {
				challenge(w, "invalid_token", "invalid token")
				return
			}
			approver := claims.GetApprover()
			if approver == "" {
				challenge(w, "invalid_token", "token has no approver")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithApprover(r.Context(), approver)))
		})
	}
}

// challenge writes a 401 with an RFC 6750 WWW-Authenticate header.
func challenge(w http.ResponseWriter, code, message string) {
	value := `Bearer realm="cifix"`
	if code != "" {
		value += fmt.Sprintf(`, error=%q`, code)
	}
	w.Header().Set("WWW-Authenticate", value)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetApprover returns the authenticated approver stored by AuthMiddleware.
func GetApprover(r *http.Request) (string, error) {
	approver, ok := r.Context().Value(approverKey{}).(string)
	if !ok {
		return "", fmt.Errorf("approver not found in request context")
	}
	return approver, nil
}

// WithApprover returns a context carrying approver.
func WithApprover(ctx context.Context, approver string) context.Context {
	return context.WithValue(ctx, approverKey{}, approver)
}
