// Package profile builds read-only per-repository failure profiles.
package profile

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/jonathan/cifix/internal/db"
	"github.com/jonathan/cifix/internal/learning"
	"golang.org/x/sync/errgroup"
)

const (
	topCategoryCount   = 3
	recentFailureCount = 5
	topPatternCount    = 5
)

// CategoryCount is the number of failures in one error category.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// FailureSummary is a compact view of one failure record.
type FailureSummary struct {
	ID            int64     `json:"id"`
	RunID         int64     `json:"run_id"`
	WorkflowName  string    `json:"workflow_name"`
	FixStatus     string    `json:"fix_status"`
	ErrorCategory *string   `json:"error_category,omitempty"`
	HTMLURL       string    `json:"html_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Profile aggregates a repository's failure history.
type Profile struct {
	Owner           string              `json:"owner"`
	Repo            string              `json:"repo"`
	TotalFailures   int                 `json:"total_failures"`
	FirstFailureAt  *time.Time          `json:"first_failure_at"`
	LastFailureAt   *time.Time          `json:"last_failure_at"`
	FailuresPerDay  float64             `json:"failures_per_day"`
	FixStatusCounts map[string]int      `json:"fix_status_counts"`
	TopCategories   []CategoryCount     `json:"top_categories"`
	DecidedFixes    int                 `json:"decided_fixes"`
	ApprovalRate    *float64            `json:"approval_rate"`
	RecentFailures  []FailureSummary    `json:"recent_failures"`
	LearnedPatterns int                 `json:"learned_patterns"`
	TopPatterns     []db.LearnedPattern `json:"top_patterns"`
}

// Builder reads failure and pattern history from a store.
type Builder struct {
	store db.Store
}

// NewBuilder creates a Builder.
func NewBuilder(store db.Store) *Builder {
	return &Builder{store: store}
}

// Build loads the repository's failures and learned patterns concurrently
// and aggregates them.
func (b *Builder) Build(ctx context.Context, owner, repo string) (*Profile, error) {
	var failures []db.FailureRecord
	var patterns []db.LearnedPattern

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		failures, err = b.store.ListFailures(gCtx, db.FailureFilters{Owner: owner, Repo: repo})
		if err != nil {
			return fmt.Errorf("failed to list failures: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		patterns, err = b.store.ListPatterns(gCtx, db.PatternFilters{RepoContext: owner + "/" + repo})
		if err != nil {
			return fmt.Errorf("failed to list patterns: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p := summarize(owner, repo, failures)
	p.LearnedPatterns = len(patterns)
	p.TopPatterns = topPatterns(patterns, topPatternCount)
	return p, nil
}

func summarize(owner, repo string, failures []db.FailureRecord) *Profile {
	p := &Profile{
		Owner:           owner,
		Repo:            repo,
		TotalFailures:   len(failures),
		FixStatusCounts: map[string]int{},
		TopCategories:   []CategoryCount{},
		RecentFailures:  []FailureSummary{},
		TopPatterns:     []db.LearnedPattern{},
	}
	if len(failures) == 0 {
		return p
	}

	sorted := slices.Clone(failures)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	first, last := sorted[len(sorted)-1].CreatedAt, sorted[0].CreatedAt
	p.FirstFailureAt, p.LastFailureAt = &first, &last
	days := math.Max(1, last.Sub(first).Hours()/24)
	p.FailuresPerDay = math.Round(float64(len(sorted))/days*100) / 100

	categories := map[string]int{}
	approved, rejected := 0, 0
	for _, r := range sorted {
		p.FixStatusCounts[r.FixStatus]++
		if r.ErrorCategory != nil && *r.ErrorCategory != "" {
			categories[*r.ErrorCategory]++
		}
		switch {
		case slices.Contains(learning.PositiveStatuses, r.FixStatus):
			approved++
		case slices.Contains(learning.NegativeStatuses, r.FixStatus):
			rejected++
		}
	}

	for category, count := range categories {
		p.TopCategories = append(p.TopCategories, CategoryCount{Category: category, Count: count})
	}
	sort.Slice(p.TopCategories, func(i, j int) bool {
		if p.TopCategories[i].Count != p.TopCategories[j].Count {
			return p.TopCategories[i].Count > p.TopCategories[j].Count
		}
		return p.TopCategories[i].Category < p.TopCategories[j].Category
	})
	if len(p.TopCategories) > topCategoryCount {
		p.TopCategories = p.TopCategories[:topCategoryCount]
	}

	p.DecidedFixes = approved + rejected
	if p.DecidedFixes > 0 {
		rate := math.Round(float64(approved)/float64(p.DecidedFixes)*10000) / 10000
		p.ApprovalRate = &rate
	}

	for _, r := range sorted[:min(recentFailureCount, len(sorted))] {
		p.RecentFailures = append(p.RecentFailures, FailureSummary{
			ID:            r.ID,
			RunID:         r.RunID,
			WorkflowName:  r.WorkflowName,
			FixStatus:     r.FixStatus,
			ErrorCategory: r.ErrorCategory,
			HTMLURL:       r.HTMLURL,
			CreatedAt:     r.CreatedAt,
		})
	}
	return p
}

func topPatterns(patterns []db.LearnedPattern, n int) []db.LearnedPattern {
	sorted := slices.Clone(patterns)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].OccurrenceCount != sorted[j].OccurrenceCount {
			return sorted[i].OccurrenceCount > sorted[j].OccurrenceCount
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	if sorted == nil {
		sorted = []db.LearnedPattern{}
	}
	return sorted
}
