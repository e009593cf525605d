package analyzer

import "fmt"

// FetchError represents a failure to obtain the run's logs
type FetchError struct {
	RunID int64
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch logs for run %d: %v", e.RunID, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// APICallError represents an error from the LLM API
type APICallError struct {
	Message string
	Cause   error
}

func (e *APICallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("API call failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("API call failed: %s", e.Message)
}

func (e *APICallError) Unwrap() error {
	return e.Cause
}

// ParseError represents an analysis response that is not valid JSON or
// does not match the analysis result schema
type ParseError struct {
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}
