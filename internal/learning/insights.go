package learning

import (
	"sort"

	"github.com/jonathan/cifix/internal/db"
)

const maxTopPatterns = 10

// GroupStats aggregates pattern occurrences for one category or repository.
type GroupStats struct {
	Key         string   `json:"key"`
	Patterns    int      `json:"patterns"`
	Occurrences int      `json:"occurrences"`
	Approved    int      `json:"approved"`
	Rejected    int      `json:"rejected"`
	Pending     int      `json:"pending"`
	SuccessRate *float64 `json:"success_rate"`
}

// Insights summarises the pattern corpus.
type Insights struct {
	TotalPatterns    int                 `json:"total_patterns"`
	TotalOccurrences int                 `json:"total_occurrences"`
	Categories       []GroupStats        `json:"categories"`
	Repositories     []GroupStats        `json:"repositories"`
	TopPatterns      []db.LearnedPattern `json:"top_patterns"`
}

// summarize is a read-side projection; counts are weighted by occurrence.
func summarize(corpus []db.LearnedPattern) *Insights {
	out := &Insights{TotalPatterns: len(corpus)}
	byCategory := map[string]*GroupStats{}
	byRepo := map[string]*GroupStats{}

	add := func(groups map[string]*GroupStats, key string, p db.LearnedPattern) {
		g, ok := groups[key]
		if !ok {
			g = &GroupStats{Key: key}
			groups[key] = g
		}
		g.Patterns++
		g.Occurrences += p.OccurrenceCount
		switch p.Outcome {
		case db.OutcomeApproved:
			g.Approved += p.OccurrenceCount
		case db.OutcomeRejected:
			g.Rejected += p.OccurrenceCount
		default:
			g.Pending += p.OccurrenceCount
		}
	}

	for _, p := range corpus {
		out.TotalOccurrences += p.OccurrenceCount
		category := p.ErrorCategory
		if category == "" {
			category = CategoryUnknown
		}
		add(byCategory, category, p)
		add(byRepo, p.RepoContext, p)
	}

	out.Categories = flattenGroups(byCategory)
	out.Repositories = flattenGroups(byRepo)
	out.TopPatterns = topPatterns(corpus, maxTopPatterns)
	return out
}

func flattenGroups(groups map[string]*GroupStats) []GroupStats {
	out := make([]GroupStats, 0, len(groups))
	for _, g := range groups {
		if decided := g.Approved + g.Rejected; decided > 0 {
			g.SuccessRate = ptr(round4(float64(g.Approved) / float64(decided)))
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// topPatterns orders by occurrence count, then recency, then id.
func topPatterns(corpus []db.LearnedPattern, n int) []db.LearnedPattern {
	sorted := append([]db.LearnedPattern(nil), corpus...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.OccurrenceCount != b.OccurrenceCount {
			return a.OccurrenceCount > b.OccurrenceCount
		}
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return a.ID < b.ID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
