// Package schemas holds the JSON Schemas for structured payloads exchanged
// with the analyzer.
package schemas

import _ "embed"

// AnalysisResult validates analyzer output before it is persisted.
//
//go:embed analysis_result.schema.json
var AnalysisResult string
