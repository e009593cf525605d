package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const failureColumns = `id, owner, repo, run_id, workflow_name, status, conclusion, html_url,
	error_log, analysis_result, suggested_fix, fix_status, confidence_score,
	error_category, fix_complexity, pr_url, fix_branch, fix_error, decided_by,
	created_at, updated_at`

// scanFailure reads one failures row in failureColumns order.
func scanFailure(row pgx.Row) (*FailureRecord, error) {
	var r FailureRecord
	var analysis []byte
	err := row.Scan(&r.ID, &r.Owner, &r.Repo, &r.RunID, &r.WorkflowName, &r.Status,
		&r.Conclusion, &r.HTMLURL, &r.ErrorLog, &analysis, &r.SuggestedFix, &r.FixStatus,
		&r.ConfidenceScore, &r.ErrorCategory, &r.FixComplexity, &r.PRURL, &r.FixBranch,
		&r.FixError, &r.DecidedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(analysis) > 0 {
		r.AnalysisResult = analysis
	}
	return &r, nil
}

// UpsertFailure inserts a failure or refreshes the mutable fields of the existing
// row with the same (owner, repo, run_id). The statement is atomic, so concurrent
// redeliveries never create duplicates.
func (db *DB) UpsertFailure(ctx context.Context, in *FailureInput) (*FailureRecord, bool, error) {
	// xmax = 0 only for freshly inserted tuples
	row := db.pool.QueryRow(ctx,
		`INSERT INTO failures (owner, repo, run_id, workflow_name, status, conclusion, html_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (owner, repo, run_id) DO UPDATE SET
		     workflow_name = EXCLUDED.workflow_name,
		     status = EXCLUDED.status,
		     conclusion = EXCLUDED.conclusion,
		     html_url = CASE WHEN EXCLUDED.html_url <> '' THEN EXCLUDED.html_url ELSE failures.html_url END,
		     updated_at = NOW()
		 RETURNING `+failureColumns+`, (xmax = 0) AS inserted`,
		in.Owner, in.Repo, in.RunID, in.WorkflowName, in.Status, in.Conclusion, in.HTMLURL,
	)

	var r FailureRecord
	var analysis []byte
	var inserted bool
	err := row.Scan(&r.ID, &r.Owner, &r.Repo, &r.RunID, &r.WorkflowName, &r.Status,
		&r.Conclusion, &r.HTMLURL, &r.ErrorLog, &analysis, &r.SuggestedFix, &r.FixStatus,
		&r.ConfidenceScore, &r.ErrorCategory, &r.FixComplexity, &r.PRURL, &r.FixBranch,
		&r.FixError, &r.DecidedBy, &r.CreatedAt, &r.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert failure %s: %w", FailureKey(in.Owner, in.Repo, in.RunID), err)
	}
	if len(analysis) > 0 {
		r.AnalysisResult = analysis
	}
	return &r, inserted, nil
}

// GetFailure retrieves a failure by its surrogate ID
func (db *DB) GetFailure(ctx context.Context, id int64) (*FailureRecord, error) {
	r, err := scanFailure(db.pool.QueryRow(ctx,
		`SELECT `+failureColumns+` FROM failures WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get failure %d: %w", id, err)
	}
	return r, nil
}

// GetFailureByKey retrieves a failure by its natural key
func (db *DB) GetFailureByKey(ctx context.Context, owner, repo string, runID int64) (*FailureRecord, error) {
	r, err := scanFailure(db.pool.QueryRow(ctx,
		`SELECT `+failureColumns+` FROM failures WHERE owner = $1 AND repo = $2 AND run_id = $3`,
		owner, repo, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get failure %s: %w", FailureKey(owner, repo, runID), err)
	}
	return r, nil
}

// ListFailures retrieves failures newest first with optional filters
func (db *DB) ListFailures(ctx context.Context, filters FailureFilters) ([]FailureRecord, error) {
	query := `SELECT ` + failureColumns + ` FROM failures WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.Owner != "" {
		query += fmt.Sprintf(" AND owner = $%d", argNum)
		args = append(args, filters.Owner)
		argNum++
	}
	if filters.Repo != "" {
		query += fmt.Sprintf(" AND repo = $%d", argNum)
		args = append(args, filters.Repo)
		argNum++
	}
	if len(filters.FixStatuses) > 0 {
		query += fmt.Sprintf(" AND fix_status = ANY($%d)", argNum)
		args = append(args, filters.FixStatuses)
		argNum++
	}
	if filters.HasFix {
		query += " AND suggested_fix IS NOT NULL AND suggested_fix <> ''"
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		r, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failures: %w", err)
	}
	return out, nil
}

// SaveAnalysis writes the dispatcher's result, guarded on the record still
// awaiting review so a late analysis cannot overwrite a decided fix.
func (db *DB) SaveAnalysis(ctx context.Context, id int64, upd *AnalysisUpdate) (bool, error) {
	var analysis any
	if len(upd.AnalysisResult) > 0 {
		analysis = []byte(upd.AnalysisResult)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE failures SET
		     error_log = COALESCE($2, error_log),
		     analysis_result = COALESCE($3::jsonb, analysis_result),
		     suggested_fix = COALESCE($4, suggested_fix),
		     confidence_score = COALESCE($5, confidence_score),
		     error_category = COALESCE($6, error_category),
		     fix_complexity = COALESCE($7, fix_complexity),
		     fix_status = CASE WHEN $8 AND fix_status = 'none' THEN 'pending' ELSE fix_status END,
		     updated_at = NOW()
		 WHERE id = $1 AND fix_status = ANY($9)`,
		id, upd.ErrorLog, analysis, upd.SuggestedFix, upd.ConfidenceScore,
		upd.ErrorCategory, upd.FixComplexity, upd.MarkPending, ReanalyzableStatuses,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save analysis for failure %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionFixStatus performs a compare-and-set on fix_status.
func (db *DB) TransitionFixStatus(ctx context.Context, id int64, from []string, to string, upd *FixUpdate) (bool, error) {
	if upd == nil {
		upd = &FixUpdate{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE failures SET
		     fix_status = $2,
		     pr_url = COALESCE($4, pr_url),
		     fix_branch = COALESCE($5, fix_branch),
		     fix_error = COALESCE($6, fix_error),
		     decided_by = COALESCE($7, decided_by),
		     updated_at = NOW()
		 WHERE id = $1 AND fix_status = ANY($3)`,
		id, to, from, upd.PRURL, upd.FixBranch, upd.FixError, upd.DecidedBy,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition failure %d to %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}
