package db

import (
	"context"
	"strconv"
)

// Store is the persistence facade consumed by the ingestion, dispatch,
// lifecycle and learning components. *DB (PostgreSQL) and *MemStore implement it.
//
// Getters return nil, nil when a row does not exist.
type Store interface {
	// UpsertFailure creates the record for (owner, repo, run_id) or updates
	// its mutable fields. The boolean reports whether a row was created.
	UpsertFailure(ctx context.Context, in *FailureInput) (*FailureRecord, bool, error)
	GetFailure(ctx context.Context, id int64) (*FailureRecord, error)
	GetFailureByKey(ctx context.Context, owner, repo string, runID int64) (*FailureRecord, error)
	ListFailures(ctx context.Context, filters FailureFilters) ([]FailureRecord, error)

	// SaveAnalysis writes analysis output if the record is still reanalyzable.
	// It reports false when the record has moved past review.
	SaveAnalysis(ctx context.Context, id int64, upd *AnalysisUpdate) (bool, error)

	// TransitionFixStatus atomically moves fix_status to `to` only if it is
	// currently one of `from`. It reports whether the transition happened.
	TransitionFixStatus(ctx context.Context, id int64, from []string, to string, upd *FixUpdate) (bool, error)

	// UpsertPattern folds one observation into the pattern keyed by
	// (error_signature, fix_hash, repo_context), incrementing occurrence_count.
	UpsertPattern(ctx context.Context, in *PatternInput) (*LearnedPattern, error)
	ListPatterns(ctx context.Context, filters PatternFilters) ([]LearnedPattern, error)
	// ResetPatterns drops the derived pattern index ahead of a rebuild.
	ResetPatterns(ctx context.Context) error

	Close()
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
