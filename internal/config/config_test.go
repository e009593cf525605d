package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cifix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  url: postgres://localhost/cifix
webhook:
  secret: topsecret
dispatch:
  workers: 8
  timeout: 90s
apply:
  attempts: 5
learning:
  min_similarity: 0.6
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/cifix", cfg.Database.URL)
	assert.Equal(t, "topsecret", cfg.Webhook.Secret)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 5, cfg.Apply.Attempts)
	assert.InDelta(t, 0.6, cfg.Learning.MinSimilarity, 1e-9)
	assert.Equal(t, "json", cfg.Logging.Format)

	// untouched sections keep their defaults
	assert.Equal(t, 2*time.Minute, cfg.Apply.Timeout)
	assert.InDelta(t, 0.7, cfg.Learning.EnhanceMinConfidence, 1e-9)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\nwebhook:\n  secret: from-file\n")
	t.Setenv("PORT", "7070")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "from-env")
	t.Setenv("ANALYSIS_TIMEOUT", "45s")
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, "ghp_test", cfg.GitHub.Token)
}

func TestLoad_RateLimitEnv(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.1, 10.0.0.2,")

	cfg, err := Load(writeConfig(t, "rate_limit:\n  default_limit: 50\n"))
	require.NoError(t, err)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 50, cfg.RateLimit.DefaultLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.DefaultWindow)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.RateLimit.Whitelist)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("DISPATCH_WORKERS", "many")

	_, err := Load(writeConfig(t, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_WORKERS")
}

func TestLoad_InvalidYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/path/cifix.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"negative pool size", func(c *Config) { c.Database.MaxConns = -1 }, "database.max_conns"},
		{"no workers", func(c *Config) { c.Dispatch.Workers = 0 }, "dispatch.workers"},
		{"no attempts", func(c *Config) { c.Apply.Attempts = 0 }, "apply.attempts"},
		{"apply attempt outlasts write timeout", func(c *Config) { c.Apply.Timeout = c.Server.WriteTimeout }, "apply.timeout"},
		{"apply attempt leaves no response margin", func(c *Config) {
			c.Server.WriteTimeout = time.Minute
			c.Apply.Timeout = 50 * time.Second
		}, "server.write_timeout"},
		{"no write timeout leaves apply unbounded", func(c *Config) {
			c.Server.WriteTimeout = 0
			c.Apply.Timeout = time.Hour
		}, ""},
		{"similarity out of range", func(c *Config) { c.Learning.MinSimilarity = 1.5 }, "learning.min_similarity"},
		{"zero half life", func(c *Config) { c.Learning.HalfLife = 0 }, "learning.half_life"},
		{"tiny log cap", func(c *Config) { c.Analyzer.MaxLogBytes = 10 }, "analyzer.max_log_bytes"},
		{"zero rate limit", func(c *Config) { c.RateLimit.DefaultLimit = 0 }, "rate_limit"},
		{"disabled rate limit ignores values", func(c *Config) {
			c.RateLimit.Enabled = false
			c.RateLimit.DefaultLimit = 0
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyDeadline(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Server.WriteTimeout-applyResponseMargin, cfg.ApplyDeadline())
	assert.Less(t, cfg.ApplyDeadline(), cfg.Server.WriteTimeout)
	assert.Greater(t, cfg.ApplyDeadline(), cfg.Apply.Timeout)

	cfg.Server.WriteTimeout = 0
	assert.Zero(t, cfg.ApplyDeadline())
}

func TestNewJWTConfig(t *testing.T) {
	cfg, err := NewJWTConfig(AuthConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg, "no secret disables auth")

	cfg, err = NewJWTConfig(AuthConfig{JWTSecret: "0123456789abcdef"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 24, cfg.ExpirationHours)

	_, err = NewJWTConfig(AuthConfig{JWTSecret: "short"})
	assert.Error(t, err)

	_, err = NewJWTConfig(AuthConfig{JWTSecret: "0123456789abcdef", ExpirationHours: -1})
	assert.Error(t, err)

	_, err = NewJWTConfig(AuthConfig{JWTSecret: "0123456789abcdef", ExpirationHours: 24 * 365})
	assert.ErrorContains(t, err, "JWT_EXPIRATION_HOURS")

	cfg, err = NewJWTConfig(AuthConfig{JWTSecret: "   "})
	require.NoError(t, err)
	assert.Nil(t, cfg, "a blank secret disables auth")
}
