package ratelimit

import (
	"net/http"
	"time"

	"github.com/jonathan/cifix/internal/config"
)

// EndpointConfig is the token bucket rule for requests whose path matches
// Path. A Path ending in "/" matches every path below it. An empty Method
// matches every method.
type EndpointConfig struct {
	Path   string
	Method string
	Limit  int
	Window time.Duration
	// Burst defaults to Limit when 0.
	Burst int
}

// FromSettings builds the limiter configuration from the service config,
// adding the built-in endpoint rules.
func FromSettings(s config.RateLimitConfig) *Config {
	if !s.Enabled {
		return &Config{Enabled: false}
	}
	return &Config{
		Enabled:         true,
		DefaultLimit:    s.DefaultLimit,
		DefaultWindow:   s.DefaultWindow,
		CleanupInterval: s.CleanupInterval,
		Whitelist:       ipSet(s.Whitelist),
		Blacklist:       ipSet(s.Blacklist),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the rules for routes that need a tighter or
// looser limit than the default.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// LLM calls
		{Path: "/analyze", Method: http.MethodPost, Limit: 30, Window: time.Minute, Burst: 5},
		{Path: "/ml/generate-enhanced-fix", Method: http.MethodPost, Limit: 60, Window: time.Minute, Burst: 10},

		// decisions open pull requests
		{Path: "/fixes/", Method: http.MethodPost, Limit: 60, Window: time.Minute, Burst: 10},
		{Path: "/ml/", Method: http.MethodPost, Limit: 120, Window: time.Minute, Burst: 20},

		// a workflow fanning out into many jobs delivers in bursts
		{Path: "/webhook", Method: http.MethodPost, Limit: 600, Window: time.Minute, Burst: 100},
	}
}

func ipSet(ips []string) map[string]bool {
	set := make(map[string]bool, len(ips))
	for _, ip := range ips {
		set[ip] = true
	}
	return set
}
