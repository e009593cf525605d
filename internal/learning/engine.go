package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonathan/cifix/internal/db"
	"github.com/jonathan/cifix/internal/logging"
)

// ErrInvalidFeedback is returned for feedback with missing fields or an unknown outcome.
var ErrInvalidFeedback = errors.New("invalid feedback")

// Config tunes the engine.
type Config struct {
	// MinSimilarity is the default floor for similar-fix queries.
	MinSimilarity float64
	// EnhanceMinConfidence is the score floor for fixes blended into enhanced fixes.
	EnhanceMinConfidence float64
	// HalfLife is the age at which a pattern's recency factor reaches 0.75.
	HalfLife time.Duration
	// PredictionThreshold is the confidence at which a fix counts as predicted approved.
	PredictionThreshold float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MinSimilarity:        0.5,
		EnhanceMinConfidence: 0.7,
		HalfLife:             30 * 24 * time.Hour,
		PredictionThreshold:  0.7,
	}
}

// Engine answers learning queries over the pattern corpus held in the store.
// Queries read one snapshot of the corpus and are otherwise pure.
type Engine struct {
	store  db.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates an Engine backed by store.
func NewEngine(store db.Store, cfg Config) *Engine {
	return &Engine{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.New("learning"),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Feedback is one observed (error, fix, outcome) tuple.
type Feedback struct {
	ErrorLog      string
	SuggestedFix  string
	Outcome       string
	RepoContext   string
	ErrorCategory string
	// SeenAt defaults to now.
	SeenAt time.Time
}

// Learn folds one feedback observation into the corpus.
func (e *Engine) Learn(ctx context.Context, fb Feedback) (*db.LearnedPattern, error) {
	if strings.TrimSpace(fb.ErrorLog) == "" || strings.TrimSpace(fb.SuggestedFix) == "" {
		return nil, fmt.Errorf("%w: error log and suggested fix are required", ErrInvalidFeedback)
	}
	if !db.ValidOutcome(fb.Outcome) {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidFeedback, fb.Outcome)
	}

	normalized := Normalize(fb.ErrorLog)
	category := fb.ErrorCategory
	if category == "" {
		category = Classify(fb.ErrorLog)
	}
	seenAt := fb.SeenAt
	if seenAt.IsZero() {
		seenAt = e.now()
	}

	p, err := e.store.UpsertPattern(ctx, &db.PatternInput{
		ErrorSignature: digest(normalized),
		ErrorText:      normalized,
		ErrorCategory:  category,
		FixText:        strings.TrimSpace(fb.SuggestedFix),
		FixHash:        FixHash(fb.SuggestedFix),
		Outcome:        fb.Outcome,
		RepoContext:    fb.RepoContext,
		SeenAt:         seenAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to learn from feedback: %w", err)
	}
	e.logger.Debug("pattern updated",
		slog.Int64("pattern_id", p.ID),
		slog.String("outcome", p.Outcome),
		slog.Int("occurrences", p.OccurrenceCount))
	return p, nil
}

// LearnFromRecord feeds a decided failure record into the corpus. Records
// without both an error log and a suggested fix carry nothing to learn and
// return nil, nil.
func (e *Engine) LearnFromRecord(ctx context.Context, r *db.FailureRecord, outcome string) (*db.LearnedPattern, error) {
	if r.ErrorLog == nil || r.SuggestedFix == nil || *r.ErrorLog == "" || *r.SuggestedFix == "" {
		return nil, nil
	}
	fb := Feedback{
		ErrorLog:     *r.ErrorLog,
		SuggestedFix: *r.SuggestedFix,
		Outcome:      outcome,
		RepoContext:  r.RepoContext(),
	}
	if r.ErrorCategory != nil {
		fb.ErrorCategory = *r.ErrorCategory
	}
	return e.Learn(ctx, fb)
}

// SimilarQuery asks for patterns resembling an error log.
type SimilarQuery struct {
	ErrorLog    string
	RepoContext string
	// MinSimilarity overrides the configured floor when > 0.
	MinSimilarity float64
	Limit         int
}

// SimilarFixes ranks the corpus against q.
func (e *Engine) SimilarFixes(ctx context.Context, q SimilarQuery) ([]Match, error) {
	corpus, err := e.corpus(ctx)
	if err != nil {
		return nil, err
	}
	floor := e.cfg.MinSimilarity
	if q.MinSimilarity > 0 {
		floor = q.MinSimilarity
	}
	matches := rank(q.ErrorLog, q.RepoContext, corpus, e.cfg.HalfLife, floor)
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// PredictSuccess estimates the approval probability of a suggested fix.
func (e *Engine) PredictSuccess(ctx context.Context, in PredictInput) (*Prediction, error) {
	corpus, err := e.corpus(ctx)
	if err != nil {
		return nil, err
	}
	return predict(in, corpus, e.cfg), nil
}

// EnhanceFix blends the base fix with approved fixes for similar failures.
func (e *Engine) EnhanceFix(ctx context.Context, in EnhanceInput) (*EnhancedFix, error) {
	corpus, err := e.corpus(ctx)
	if err != nil {
		return nil, err
	}
	return enhance(in, corpus, e.cfg), nil
}

// Insights aggregates the corpus, optionally restricted to one repository.
func (e *Engine) Insights(ctx context.Context, repoContext string) (*Insights, error) {
	corpus, err := e.store.ListPatterns(ctx, db.PatternFilters{RepoContext: repoContext})
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	return summarize(corpus), nil
}

// ModelPerformance scores analyzer confidence against decided records.
// A threshold <= 0 uses the configured one.
func (e *Engine) ModelPerformance(ctx context.Context, threshold float64) (*Performance, error) {
	if threshold <= 0 {
		threshold = e.cfg.PredictionThreshold
	}
	records, err := e.store.ListFailures(ctx, db.FailureFilters{FixStatuses: DecidedStatuses})
	if err != nil {
		return nil, fmt.Errorf("failed to load decided failures: %w", err)
	}
	return evaluate(records, threshold), nil
}

// Rebuild discards the corpus and replays every decided failure record,
// oldest first. It returns the number of records learned from.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	records, err := e.store.ListFailures(ctx, db.FailureFilters{FixStatuses: DecidedStatuses, HasFix: true})
	if err != nil {
		return 0, fmt.Errorf("failed to load decided failures: %w", err)
	}
	if err := e.store.ResetPatterns(ctx); err != nil {
		return 0, err
	}

	learned := 0
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		outcome := db.OutcomeApproved
		if r.FixStatus == db.FixStatusRejected {
			outcome = db.OutcomeRejected
		}
		if r.ErrorLog == nil || *r.ErrorLog == "" {
			continue
		}
		fb := Feedback{
			ErrorLog:     *r.ErrorLog,
			SuggestedFix: *r.SuggestedFix,
			Outcome:      outcome,
			RepoContext:  r.RepoContext(),
			SeenAt:       r.UpdatedAt,
		}
		if r.ErrorCategory != nil {
			fb.ErrorCategory = *r.ErrorCategory
		}
		if _, err := e.Learn(ctx, fb); err != nil {
			return learned, fmt.Errorf("failed to replay failure %d: %w", r.ID, err)
		}
		learned++
	}
	e.logger.Info("pattern corpus rebuilt", slog.Int("records", learned))
	return learned, nil
}

func (e *Engine) corpus(ctx context.Context) ([]db.LearnedPattern, error) {
	corpus, err := e.store.ListPatterns(ctx, db.PatternFilters{})
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	return corpus, nil
}
