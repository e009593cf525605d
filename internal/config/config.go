// Package config provides configuration loading and validation for the service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read by Load when no explicit path is given and the file exists.
const DefaultConfigPath = "cifix.yaml"

// Config is the full service configuration. Values come from an optional YAML
// file and are then overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	GitHub    GitHubConfig    `yaml:"github"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Apply     ApplyConfig     `yaml:"apply"`
	Learning  LearningConfig  `yaml:"learning"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig selects the persistent store. An empty URL selects the
// in-memory store, which is only suitable for local development.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// WebhookConfig holds inbound webhook settings.
// An empty Secret disables signature verification (permissive mode).
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// GitHubConfig holds credentials for the gh CLI. An empty Token leaves gh
// to its own stored login.
type GitHubConfig struct {
	Token string `yaml:"token"`
}

// AnalyzerConfig configures the LLM-backed analyzer.
type AnalyzerConfig struct {
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	MaxLogBytes int    `yaml:"max_log_bytes"`
}

// DispatchConfig bounds background analysis.
type DispatchConfig struct {
	Workers int           `yaml:"workers"`
	Timeout time.Duration `yaml:"timeout"`
}

// ApplyConfig bounds the synchronous repository mutation on approval.
type ApplyConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// applyResponseMargin is reserved out of the write timeout for recording
// the apply outcome and writing the approve response.
const applyResponseMargin = 15 * time.Second

// ApplyDeadline bounds all apply attempts of one approval so the approve
// response is written before the server's write timeout. Zero means no
// overall bound.
func (c *Config) ApplyDeadline() time.Duration {
	if c.Server.WriteTimeout <= 0 {
		return 0
	}
	return c.Server.WriteTimeout - applyResponseMargin
}

// LearningConfig tunes the pattern learning engine.
type LearningConfig struct {
	MinSimilarity        float64       `yaml:"min_similarity"`
	EnhanceMinConfidence float64       `yaml:"enhance_min_confidence"`
	HalfLife             time.Duration `yaml:"half_life"`
	PredictionThreshold  float64       `yaml:"prediction_threshold"`
}

// AuthConfig enables bearer-token auth on fix decisions when JWTSecret is set.
type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret"`
	ExpirationHours int    `yaml:"expiration_hours"`
}

// LoggingConfig selects slog level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig sets the per-client token buckets. Endpoint-specific
// rules are built in; these values govern every other route.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DefaultLimit    int           `yaml:"default_limit"`
	DefaultWindow   time.Duration `yaml:"default_window"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Whitelist       []string      `yaml:"whitelist"`
	Blacklist       []string      `yaml:"blacklist"`
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Analyzer: AnalyzerConfig{
			Model:       "gemini-2.5-flash",
			MaxLogBytes: 64 * 1024,
		},
		Dispatch: DispatchConfig{
			Workers: 4,
			Timeout: 5 * time.Minute,
		},
		Apply: ApplyConfig{
			Timeout:  2 * time.Minute,
			Attempts: 3,
			Backoff:  2 * time.Second,
		},
		Learning: LearningConfig{
			MinSimilarity:        0.5,
			EnhanceMinConfidence: 0.7,
			HalfLife:             30 * 24 * time.Hour,
			PredictionThreshold:  0.7,
		},
		Auth: AuthConfig{
			ExpirationHours: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			DefaultLimit:    1000,
			DefaultWindow:   time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment, in that order. An empty path reads DefaultConfigPath if it
// exists and otherwise skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			path = DefaultConfigPath
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with any environment variables that are set.
func (c *Config) applyEnv() error {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Webhook.Secret, "GITHUB_WEBHOOK_SECRET")
	setString(&c.GitHub.Token, "GITHUB_TOKEN")
	setString(&c.Analyzer.APIKey, "GEMINI_API_KEY")
	setString(&c.Analyzer.Model, "ANALYZER_MODEL")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")

	if err := setInt(&c.Server.Port, "PORT"); err != nil {
		return err
	}
	if err := setInt(&c.Dispatch.Workers, "DISPATCH_WORKERS"); err != nil {
		return err
	}
	if err := setInt(&c.Apply.Attempts, "APPLY_ATTEMPTS"); err != nil {
		return err
	}
	if err := setInt(&c.Auth.ExpirationHours, "JWT_EXPIRATION_HOURS"); err != nil {
		return err
	}
	if err := setDuration(&c.Dispatch.Timeout, "ANALYSIS_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Apply.Timeout, "APPLY_TIMEOUT"); err != nil {
		return err
	}
	if err := setBool(&c.RateLimit.Enabled, "RATE_LIMIT_ENABLED"); err != nil {
		return err
	}
	if err := setInt(&c.RateLimit.DefaultLimit, "RATE_LIMIT_DEFAULT_LIMIT"); err != nil {
		return err
	}
	if err := setDuration(&c.RateLimit.DefaultWindow, "RATE_LIMIT_DEFAULT_WINDOW"); err != nil {
		return err
	}
	setList(&c.RateLimit.Whitelist, "RATE_LIMIT_WHITELIST")
	setList(&c.RateLimit.Blacklist, "RATE_LIMIT_BLACKLIST")
	return nil
}

// Validate checks that the configuration has usable values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config error: 'server.port' must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("config error: 'database.max_conns' must be non-negative")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("config error: 'dispatch.workers' must be at least 1")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("config error: 'dispatch.timeout' must be positive")
	}
	if c.Apply.Timeout <= 0 {
		return fmt.Errorf("config error: 'apply.timeout' must be positive")
	}
	if c.Server.WriteTimeout > 0 && c.Apply.Timeout+applyResponseMargin >= c.Server.WriteTimeout {
		return fmt.Errorf("config error: 'apply.timeout' (%s) must be at least %s below 'server.write_timeout' (%s)",
			c.Apply.Timeout, applyResponseMargin, c.Server.WriteTimeout)
	}
	if c.Apply.Attempts < 1 {
		return fmt.Errorf("config error: 'apply.attempts' must be at least 1")
	}
	if c.Apply.Backoff < 0 {
		return fmt.Errorf("config error: 'apply.backoff' must be non-negative")
	}
	for name, v := range map[string]float64{
		"learning.min_similarity":         c.Learning.MinSimilarity,
		"learning.enhance_min_confidence": c.Learning.EnhanceMinConfidence,
		"learning.prediction_threshold":   c.Learning.PredictionThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config error: '%s' must be within [0,1], got %v", name, v)
		}
	}
	if c.Learning.HalfLife <= 0 {
		return fmt.Errorf("config error: 'learning.half_life' must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.DefaultLimit < 1 || c.RateLimit.DefaultWindow <= 0) {
		return fmt.Errorf("config error: 'rate_limit' needs a positive default_limit and default_window")
	}
	if c.Analyzer.MaxLogBytes < 1024 {
		return fmt.Errorf("config error: 'analyzer.max_log_bytes' must be at least 1024")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

// setList reads a comma-separated list.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
