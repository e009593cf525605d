package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const patternColumns = `id, error_signature, error_text, error_category, fix_text, fix_hash,
	outcome, repo_context, occurrence_count, first_seen_at, last_seen_at`

func scanPattern(row pgx.Row) (*LearnedPattern, error) {
	var p LearnedPattern
	if err := row.Scan(&p.ID, &p.ErrorSignature, &p.ErrorText, &p.ErrorCategory, &p.FixText,
		&p.FixHash, &p.Outcome, &p.RepoContext, &p.OccurrenceCount, &p.FirstSeenAt, &p.LastSeenAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPattern records one feedback observation. occurrence_count only grows.
func (db *DB) UpsertPattern(ctx context.Context, in *PatternInput) (*LearnedPattern, error) {
	p, err := scanPattern(db.pool.QueryRow(ctx,
		`INSERT INTO learned_patterns
		     (error_signature, error_text, error_category, fix_text, fix_hash, outcome,
		      repo_context, occurrence_count, first_seen_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8)
		 ON CONFLICT (error_signature, fix_hash, repo_context) DO UPDATE SET
		     occurrence_count = learned_patterns.occurrence_count + 1,
		     outcome = EXCLUDED.outcome,
		     error_category = EXCLUDED.error_category,
		     last_seen_at = GREATEST(learned_patterns.last_seen_at, EXCLUDED.last_seen_at)
		 RETURNING `+patternColumns,
		in.ErrorSignature, in.ErrorText, in.ErrorCategory, in.FixText, in.FixHash,
		in.Outcome, in.RepoContext, in.SeenAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert pattern: %w", err)
	}
	return p, nil
}

// ListPatterns returns the pattern corpus in id order
func (db *DB) ListPatterns(ctx context.Context, filters PatternFilters) ([]LearnedPattern, error) {
	query := `SELECT ` + patternColumns + ` FROM learned_patterns`
	args := []any{}
	if filters.RepoContext != "" {
		query += " WHERE repo_context = $1"
		args = append(args, filters.RepoContext)
	}
	query += " ORDER BY id"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filters.Limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var out []LearnedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patterns: %w", err)
	}
	return out, nil
}

// ResetPatterns deletes every learned pattern.
func (db *DB) ResetPatterns(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, `TRUNCATE learned_patterns RESTART IDENTITY`); err != nil {
		return fmt.Errorf("failed to reset patterns: %w", err)
	}
	return nil
}
