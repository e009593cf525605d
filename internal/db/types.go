package db

import (
	"encoding/json"
	"time"
)

// Fix lifecycle states stored in failures.fix_status.
const (
	FixStatusNone                      = "none"
	FixStatusPending                   = "pending"
	FixStatusSuggested                 = "suggested"
	FixStatusWaitingApproval           = "waiting_approval"
	FixStatusApproved                  = "approved"
	FixStatusRejected                  = "rejected"
	FixStatusApplying                  = "applying"
	FixStatusApplied                   = "applied"
	FixStatusApprovedApplicationFailed = "approved_application_failed"
)

// AwaitingDecisionStatuses are the statuses listed as reviewable fixes.
var AwaitingDecisionStatuses = []string{FixStatusPending, FixStatusSuggested, FixStatusWaitingApproval}

// DecidableStatuses are the statuses from which approve and reject may fire.
var DecidableStatuses = []string{FixStatusPending, FixStatusSuggested}

// ReanalyzableStatuses are the statuses whose analysis fields may still be overwritten.
var ReanalyzableStatuses = []string{FixStatusNone, FixStatusPending, FixStatusSuggested, FixStatusWaitingApproval}

// analysisFailedStatus marks a diagnostic analysis_result written on failure.
const analysisFailedStatus = "analysis_failed"

// FailureRecord is one failed workflow run tracked through analysis and fix lifecycle.
type FailureRecord struct {
	ID              int64           `json:"id"`
	Owner           string          `json:"owner"`
	Repo            string          `json:"repo"`
	RunID           int64           `json:"run_id"`
	WorkflowName    string          `json:"workflow_name"`
	Status          string          `json:"status"`
	Conclusion      string          `json:"conclusion"`
	HTMLURL         string          `json:"html_url,omitempty"`
	ErrorLog        *string         `json:"error_log,omitempty"`
	AnalysisResult  json.RawMessage `json:"analysis_result,omitempty"`
	SuggestedFix    *string         `json:"suggested_fix,omitempty"`
	FixStatus       string          `json:"fix_status"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
	ErrorCategory   *string         `json:"error_category,omitempty"`
	FixComplexity   *string         `json:"fix_complexity,omitempty"`
	PRURL           *string         `json:"pr_url,omitempty"`
	FixBranch       *string         `json:"fix_branch,omitempty"`
	FixError        *string         `json:"fix_error,omitempty"`
	DecidedBy       *string         `json:"decided_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Key returns the natural key "owner/repo/run_id".
func (r *FailureRecord) Key() string {
	return FailureKey(r.Owner, r.Repo, r.RunID)
}

// RepoContext returns "owner/repo", the context learned patterns are scoped to.
func (r *FailureRecord) RepoContext() string {
	return r.Owner + "/" + r.Repo
}

// HasAnalysis reports whether a successful analysis has been written.
func (r *FailureRecord) HasAnalysis() bool {
	return len(r.AnalysisResult) > 0 && !r.AnalysisFailed()
}

// AnalysisFailed reports whether the stored analysis result is a failure diagnostic.
func (r *FailureRecord) AnalysisFailed() bool {
	if len(r.AnalysisResult) == 0 {
		return false
	}
	var head struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(r.AnalysisResult, &head); err != nil {
		return false
	}
	return head.Status == analysisFailedStatus
}

// FailureKey formats the natural key of a failure record.
func FailureKey(owner, repo string, runID int64) string {
	return owner + "/" + repo + "/" + formatInt(runID)
}

// FailureInput carries the mutable fields written by an ingestion upsert.
type FailureInput struct {
	Owner        string
	Repo         string
	RunID        int64
	WorkflowName string
	Status       string
	Conclusion   string
	HTMLURL      string
}

// AnalysisUpdate is the write-back from the analysis dispatcher. Nil fields
// are left untouched. MarkPending moves fix_status from none to pending.
type AnalysisUpdate struct {
	ErrorLog        *string
	AnalysisResult  json.RawMessage
	SuggestedFix    *string
	ConfidenceScore *float64
	ErrorCategory   *string
	FixComplexity   *string
	MarkPending     bool
}

// FailedAnalysis builds the diagnostic analysis_result stored when analysis fails.
func FailedAnalysis(cause error, at time.Time) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{
		"status":    analysisFailedStatus,
		"error":     cause.Error(),
		"failed_at": at.UTC().Format(time.RFC3339),
	})
	return payload
}

// FixUpdate carries the fields written alongside a fix status transition.
type FixUpdate struct {
	PRURL     *string
	FixBranch *string
	FixError  *string
	DecidedBy *string
}

// FailureFilters holds optional filters for listing failures.
type FailureFilters struct {
	Owner       string
	Repo        string
	FixStatuses []string
	HasFix      bool
	Limit       int
}

// Outcome values recorded on learned patterns.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomePending  = "pending"
)

// ValidOutcome reports whether o is a recognised pattern outcome.
func ValidOutcome(o string) bool {
	switch o {
	case OutcomeApproved, OutcomeRejected, OutcomePending:
		return true
	}
	return false
}

// LearnedPattern summarises one recurring (error, fix, outcome) relationship.
type LearnedPattern struct {
	ID              int64     `json:"id"`
	ErrorSignature  string    `json:"error_signature"`
	ErrorText       string    `json:"error_text"`
	ErrorCategory   string    `json:"error_category"`
	FixText         string    `json:"fix_text"`
	FixHash         string    `json:"-"`
	Outcome         string    `json:"outcome"`
	RepoContext     string    `json:"repo_context"`
	OccurrenceCount int       `json:"occurrence_count"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// PatternInput is one feedback observation folded into the pattern corpus.
type PatternInput struct {
	ErrorSignature string
	ErrorText      string
	ErrorCategory  string
	FixText        string
	FixHash        string
	Outcome        string
	RepoContext    string
	SeenAt         time.Time
}

// PatternFilters holds optional filters for listing patterns.
type PatternFilters struct {
	RepoContext string
	Limit       int
}
