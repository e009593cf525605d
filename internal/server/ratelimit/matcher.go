package ratelimit

import (
	"net/http"
	"strings"
)

// unlimited are health check and scrape endpoints.
var unlimited = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// MatchEndpoint returns the rule for a request. An exact path wins over a
// prefix rule, and the longest prefix wins among prefix rules. It returns a
// zero-limit rule for unlimited endpoints and nil when no rule applies.
func MatchEndpoint(path, method string, rules []EndpointConfig) *EndpointConfig {
	if method == http.MethodGet && unlimited[path] {
		return &EndpointConfig{Path: path, Method: method}
	}

	var best *EndpointConfig
	for i := range rules {
		rule := &rules[i]
		if rule.Method != "" && rule.Method != method {
			continue
		}
		if rule.Path == path {
			return rule
		}
		if strings.HasSuffix(rule.Path, "/") && strings.HasPrefix(path, rule.Path) &&
			(best == nil || len(rule.Path) > len(best.Path)) {
			best = rule
		}
	}
	return best
}
