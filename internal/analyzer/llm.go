package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonathan/cifix/internal/llm"
	"github.com/jonathan/cifix/internal/logging"
	"github.com/jonathan/cifix/internal/schemas"
	rootschemas "github.com/jonathan/cifix/schemas"
)

// fastTierMaxLog is the log size up to which the fast model tier is used.
const fastTierMaxLog = 4 * 1024

// LogFetcher returns the failed job output of a workflow run.
type LogFetcher interface {
	FetchFailedLogs(ctx context.Context, owner, repo string, runID int64) (string, error)
}

// LLMAnalyzer diagnoses failures by sending the failed job logs to an LLM
// and validating its answer against the analysis result schema.
type LLMAnalyzer struct {
	client llm.Client
	logs   LogFetcher
	schema *schemas.Schema
	logger *slog.Logger
}

// NewLLMAnalyzer creates an LLMAnalyzer.
func NewLLMAnalyzer(client llm.Client, logs LogFetcher) (*LLMAnalyzer, error) {
	schema, err := schemas.Compile("analysis_result", rootschemas.AnalysisResult)
	if err != nil {
		return nil, fmt.Errorf("failed to compile analysis result schema: %w", err)
	}
	return &LLMAnalyzer{
		client: client,
		logs:   logs,
		schema: schema,
		logger: logging.New("analyzer"),
	}, nil
}

// Analyze implements Analyzer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, owner, repo string, runID int64) (*Result, error) {
	errorLog, err := a.logs.FetchFailedLogs(ctx, owner, repo, runID)
	if err != nil {
		return nil, &FetchError{RunID: runID, Cause: err}
	}
	if strings.TrimSpace(errorLog) == "" {
		return nil, &FetchError{RunID: runID, Cause: errors.New("run has no failed job output")}
	}

	tier := llm.TierDeep
	if len(errorLog) <= fastTierMaxLog {
		tier = llm.TierFast
	}
	a.logger.Debug("analyzing run",
		slog.String("repo", owner+"/"+repo),
		slog.Int64("run_id", runID),
		slog.String("tier", string(tier)),
		slog.Int("log_bytes", len(errorLog)))

	text, err := a.client.GenerateJSON(ctx, BuildPrompt(owner, repo, runID, errorLog), tier)
	if err != nil {
		return nil, &APICallError{Message: "generate analysis", Cause: err}
	}

	result, err := a.parse(text)
	if err != nil {
		return nil, err
	}
	result.ErrorLog = errorLog
	return result, nil
}

func (a *LLMAnalyzer) parse(text string) (*Result, error) {
	if err := a.schema.Validate([]byte(text)); err != nil {
		return nil, &ParseError{Message: "analysis does not match schema", Cause: err}
	}
	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, &ParseError{Message: "invalid analysis JSON", Cause: err}
	}
	return &result, nil
}
