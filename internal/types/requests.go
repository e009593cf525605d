// Package types provides the request and response shapes of the HTTP API.
package types

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// AnalyzeRequest triggers analysis of one workflow run.
type AnalyzeRequest struct {
	Owner string `json:"owner" validate:"required,excludesall=/"`
	Repo  string `json:"repo" validate:"required,excludesall=/"`
	RunID int64  `json:"run_id" validate:"required,gt=0"`
}

// AnalyzeResponse acknowledges an analysis trigger.
type AnalyzeResponse struct {
	FailureID int64  `json:"failure_id"`
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	RunID     int64  `json:"run_id"`
	Created   bool   `json:"created"`
}

// PredictRequest asks for the success probability of a suggested fix.
type PredictRequest struct {
	ErrorLog     string   `json:"error_log" validate:"required"`
	SuggestedFix string   `json:"suggested_fix" validate:"required"`
	RepoContext  string   `json:"repo_context,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// SimilarFixesRequest asks for historical fixes resembling an error log.
type SimilarFixesRequest struct {
	ErrorLog      string  `json:"error_log" validate:"required"`
	RepoContext   string  `json:"repo_context,omitempty"`
	MinSimilarity float64 `json:"min_similarity,omitempty" validate:"gte=0,lte=1"`
	Limit         int     `json:"limit,omitempty" validate:"gte=0,lte=100"`
}

// EnhanceFixRequest asks for a fix blended with approved historical fixes.
type EnhanceFixRequest struct {
	ErrorLog      string  `json:"error_log" validate:"required"`
	SuggestedFix  string  `json:"suggested_fix,omitempty"`
	RepoContext   string  `json:"repo_context,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty" validate:"gte=0,lte=1"`
}

// FeedbackRequest records the outcome of a suggested fix.
type FeedbackRequest struct {
	ErrorLog      string `json:"error_log" validate:"required"`
	SuggestedFix  string `json:"suggested_fix" validate:"required"`
	Outcome       string `json:"outcome" validate:"required,oneof=approved rejected pending"`
	RepoContext   string `json:"repo_context,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
}

// InsightsRequest asks for pattern insights relevant to an error log.
type InsightsRequest struct {
	ErrorLog    string `json:"error_log" validate:"required"`
	RepoContext string `json:"repo_context,omitempty"`
}

// PerformanceRequest asks for model performance relevant to an error log.
type PerformanceRequest struct {
	ErrorLog  string  `json:"error_log" validate:"required"`
	Threshold float64 `json:"threshold,omitempty" validate:"gte=0,lte=1"`
}

// Validate validates the AnalyzeRequest using the validator.
func (r *AnalyzeRequest) Validate() error { return validate.Struct(r) }

// Validate validates the PredictRequest using the validator.
func (r *PredictRequest) Validate() error { return validate.Struct(r) }

// Validate validates the SimilarFixesRequest using the validator.
func (r *SimilarFixesRequest) Validate() error { return validate.Struct(r) }

// Validate validates the EnhanceFixRequest using the validator.
func (r *EnhanceFixRequest) Validate() error { return validate.Struct(r) }

// Validate validates the FeedbackRequest using the validator.
func (r *FeedbackRequest) Validate() error { return validate.Struct(r) }

// Validate validates the InsightsRequest using the validator.
func (r *InsightsRequest) Validate() error { return validate.Struct(r) }

// Validate validates the PerformanceRequest using the validator.
func (r *PerformanceRequest) Validate() error { return validate.Struct(r) }

// FieldErrors flattens validator errors into field name → failed tag.
// Other errors yield nil.
func FieldErrors(err error) map[string]string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
