package config

import (
	"fmt"
	"strings"
)

const (
	minJWTSecretLen        = 16
	defaultExpirationHours = 24
	maxExpirationHours     = 30 * 24
)

// JWTConfig holds the settings used to sign and check approver tokens.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

// NewJWTConfig derives the JWT settings from the auth section. A blank
// secret yields nil, nil: fix decisions are then unauthenticated.
func NewJWTConfig(auth AuthConfig) (*JWTConfig, error) {
	secret := strings.TrimSpace(auth.JWTSecret)
	if secret == "" {
		return nil, nil
	}
	if len(secret) < minJWTSecretLen {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLen)
	}

	hours := auth.ExpirationHours
	switch {
	case hours == 0:
		hours = defaultExpirationHours
	case hours < 1 || hours > maxExpirationHours:
		return nil, fmt.Errorf("JWT_EXPIRATION_HOURS must be between 1 and %d, got: %d", maxExpirationHours, hours)
	}
	return &JWTConfig{Secret: secret, ExpirationHours: hours}, nil
}
