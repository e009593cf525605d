// Package analyzer defines the failure analyzer contract and an LLM-backed
// implementation of it.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
)

// Analyzer diagnoses one failed workflow run.
type Analyzer interface {
	Analyze(ctx context.Context, owner, repo string, runID int64) (*Result, error)
}

// Confidence labels reported by the analyzer.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

var confidenceScores = map[string]float64{
	ConfidenceHigh:   0.9,
	ConfidenceMedium: 0.7,
	ConfidenceLow:    0.5,
}

// ConfidenceScore maps a confidence label to its numeric score.
func ConfidenceScore(label string) (float64, bool) {
	score, ok := confidenceScores[strings.ToLower(strings.TrimSpace(label))]
	return score, ok
}

// Result is the analyzer's diagnosis of a failure.
type Result struct {
	Confidence   string          `json:"confidence"`
	RootCause    string          `json:"root_cause,omitempty"`
	ErrorType    string          `json:"error_type"`
	RiskLevel    string          `json:"risk_level,omitempty"`
	Complexity   string          `json:"complexity,omitempty"`
	SuggestedFix json.RawMessage `json:"suggested_fix,omitempty"`

	// ErrorLog is the raw diagnostic text the analysis was based on.
	ErrorLog string `json:"-"`
}

// FixText returns the suggested fix as text: the description of a
// structured fix, the string itself, or the compact JSON of anything else.
func (r *Result) FixText() string {
	raw := bytes.TrimSpace(r.SuggestedFix)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var structured struct {
		Description *string `json:"description"`
	}
	if err := json.Unmarshal(raw, &structured); err == nil && structured.Description != nil {
		return strings.TrimSpace(*structured.Description)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// FixComplexity prefers the reported complexity and falls back to risk level.
func (r *Result) FixComplexity() string {
	if r.Complexity != "" {
		return r.Complexity
	}
	return r.RiskLevel
}
