package schemas

import (
	"encoding/json"
	"testing"

	"github.com/jonathan/cifix/internal/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisResultSchema_ValidJSON(t *testing.T) {
	var schemaObj map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(AnalysisResult), &schemaObj))

	_, hasType := schemaObj["type"]
	_, hasSchema := schemaObj["$schema"]
	assert.True(t, hasType && hasSchema, "schema should declare $schema and type")
}

func TestAnalysisResultSchema_Documents(t *testing.T) {
	schema, err := schemas.Compile("analysis_result", AnalysisResult)
	require.NoError(t, err)

	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"string fix", `{"confidence":"high","error_type":"dependency","suggested_fix":"pin lib"}`, true},
		{"structured fix", `{"confidence":"low","error_type":"test","risk_level":"medium","suggested_fix":{"description":"update fixture","files":["a_test.go"]}}`, true},
		{"unknown confidence", `{"confidence":"certain","error_type":"test","suggested_fix":"x"}`, false},
		{"missing fix", `{"confidence":"high","error_type":"test"}`, false},
		{"structured fix without description", `{"confidence":"high","error_type":"test","suggested_fix":{"files":[]}}`, false},
		{"bad complexity", `{"confidence":"high","error_type":"test","suggested_fix":"x","complexity":"trivial"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate([]byte(tt.doc))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
