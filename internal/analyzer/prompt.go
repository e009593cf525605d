package analyzer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jonathan/cifix/internal/prompts"
)

type promptField struct {
	name        string
	typeHint    string
	description string
	required    bool
}

var resultFields = []promptField{
	{"confidence", `"high" | "medium" | "low"`, "How certain you are of the root cause", true},
	{"root_cause", `"string"`, "One or two sentences naming the root cause", false},
	{"error_type", `"string"`, "Category such as dependency, compilation, test, lint, timeout, permission, infrastructure", true},
	{"risk_level", `"low" | "medium" | "high"`, "Risk of applying the fix", false},
	{"complexity", `"simple" | "moderate" | "complex"`, "Effort needed to apply the fix", false},
	{"suggested_fix", `{"description": "string", "files": ["string"], "commands": ["string"]}`, "Concrete change that makes the run pass", true},
}

// BuildPrompt constructs the analysis prompt for one failed run.
func BuildPrompt(owner, repo string, runID int64, errorLog string) string {
	var sb strings.Builder

	sb.WriteString(mustRender("analyze-failure-intro", map[string]string{
		"Owner": owner,
		"Repo":  repo,
		"RunID": strconv.FormatInt(runID, 10),
	}))
	sb.WriteString("\n")

	sb.WriteString("Return ONLY valid JSON matching this exact structure:\n{\n")
	for i, field := range resultFields {
		requiredHint := ""
		if field.required {
			requiredHint = " (required)"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\": %s%s // %s", field.name, field.typeHint, requiredHint, field.description))
		if i < len(resultFields)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n\n")

	sb.WriteString(prompts.MustGet(prompts.AnalysisFile, "analyze-failure-rules"))
	sb.WriteString("\n")
	sb.WriteString(mustRender("analyze-failure-log", map[string]string{
		"ErrorLog": errorLog,
	}))

	return sb.String()
}

func mustRender(key string, data map[string]string) string {
	out, err := prompts.Render(prompts.AnalysisFile, key, data)
	if err != nil {
		panic(err)
	}
	return out
}
