//nolint:revive // types is a standard Go package name pattern
package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestAnalyzeRequest_Validation(t *testing.T) {
	tests := []struct {
		name      string
		request   AnalyzeRequest
		wantField string
	}{
		{name: "valid", request: AnalyzeRequest{Owner: "acme", Repo: "widgets", RunID: 1}},
		{name: "missing owner", request: AnalyzeRequest{Repo: "widgets", RunID: 1}, wantField: "Owner"},
		{name: "missing repo", request: AnalyzeRequest{Owner: "acme", RunID: 1}, wantField: "Repo"},
		{name: "missing run id", request: AnalyzeRequest{Owner: "acme", Repo: "widgets"}, wantField: "RunID"},
		{name: "negative run id", request: AnalyzeRequest{Owner: "acme", Repo: "widgets", RunID: -4}, wantField: "RunID"},
		{name: "slash in owner", request: AnalyzeRequest{Owner: "acme/x", Repo: "widgets", RunID: 1}, wantField: "Owner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			assert.Contains(t, FieldErrors(err), tt.wantField)
		})
	}
}

func TestPredictRequest_Validation(t *testing.T) {
	assert.NoError(t, (&PredictRequest{ErrorLog: "boom", SuggestedFix: "fix"}).Validate())
	assert.NoError(t, (&PredictRequest{ErrorLog: "boom", SuggestedFix: "fix", Confidence: ptr(0.0)}).Validate())

	fields := FieldErrors((&PredictRequest{}).Validate())
	assert.Equal(t, "required", fields["ErrorLog"])
	assert.Equal(t, "required", fields["SuggestedFix"])

	fields = FieldErrors((&PredictRequest{ErrorLog: "boom", SuggestedFix: "fix", Confidence: ptr(1.5)}).Validate())
	assert.Equal(t, "lte", fields["Confidence"])
}

func TestFeedbackRequest_Validation(t *testing.T) {
	valid := FeedbackRequest{ErrorLog: "boom", SuggestedFix: "fix", Outcome: "approved"}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.Outcome = "maybe"
	assert.Equal(t, "oneof", FieldErrors(bad.Validate())["Outcome"])

	missing := FeedbackRequest{Outcome: "pending"}
	fields := FieldErrors(missing.Validate())
	assert.Contains(t, fields, "ErrorLog")
	assert.Contains(t, fields, "SuggestedFix")
}

func TestRangeValidation(t *testing.T) {
	assert.NoError(t, (&SimilarFixesRequest{ErrorLog: "x", MinSimilarity: 0.4, Limit: 10}).Validate())
	assert.Contains(t, FieldErrors((&SimilarFixesRequest{ErrorLog: "x", Limit: 1000}).Validate()), "Limit")
	assert.Contains(t, FieldErrors((&EnhanceFixRequest{ErrorLog: "x", MinConfidence: 2}).Validate()), "MinConfidence")
	assert.Contains(t, FieldErrors((&PerformanceRequest{ErrorLog: "x", Threshold: -1}).Validate()), "Threshold")
	assert.Contains(t, FieldErrors((&InsightsRequest{}).Validate()), "ErrorLog")
}

func TestFieldErrors_NonValidationError(t *testing.T) {
	assert.Nil(t, FieldErrors(errors.New("boom")))
	assert.Nil(t, FieldErrors(nil))
}
