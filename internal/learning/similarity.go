package learning

import (
	"math"
	"sort"
	"time"

	"github.com/jonathan/cifix/internal/db"
)

// Scoring weights
const (
	tokenWeight  = 0.7
	bigramWeight = 0.3

	// otherRepoFactor discounts patterns learned in a different repository.
	otherRepoFactor = 0.85
)

// Match is a learned pattern scored against a query.
type Match struct {
	Pattern db.LearnedPattern `json:"pattern"`
	// TextSimilarity compares the error texts only.
	TextSimilarity float64 `json:"text_similarity"`
	// Score folds in repository context and recency.
	Score float64 `json:"score"`
}

type features struct {
	tokens  map[string]struct{}
	bigrams map[string]struct{}
}

func extract(normalized string) features {
	toks := tokenize(normalized)
	f := features{
		tokens:  make(map[string]struct{}, len(toks)),
		bigrams: make(map[string]struct{}, len(toks)),
	}
	for i, t := range toks {
		f.tokens[t] = struct{}{}
		if i > 0 {
			f.bigrams[toks[i-1]+" "+t] = struct{}{}
		}
	}
	return f
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func (f features) similarity(g features) float64 {
	tok := jaccard(f.tokens, g.tokens)
	if len(f.bigrams) == 0 && len(g.bigrams) == 0 {
		return tok
	}
	return clamp01(tokenWeight*tok + bigramWeight*jaccard(f.bigrams, g.bigrams))
}

// TextSimilarity compares two error logs after normalization. It is
// symmetric, lies in [0,1] and is 1 for logs that normalize identically.
func TextSimilarity(a, b string) float64 {
	return normalizedSimilarity(Normalize(a), Normalize(b))
}

func normalizedSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return extract(a).similarity(extract(b))
}

// scorer ranks patterns from one corpus snapshot. Recency is measured from
// the newest pattern in the snapshot so results never depend on wall time.
type scorer struct {
	halfLife  time.Duration
	reference time.Time
}

func newScorer(corpus []db.LearnedPattern, halfLife time.Duration) scorer {
	s := scorer{halfLife: halfLife}
	for _, p := range corpus {
		if p.LastSeenAt.After(s.reference) {
			s.reference = p.LastSeenAt
		}
	}
	return s
}

func (s scorer) recency(lastSeen time.Time) float64 {
	if s.halfLife <= 0 {
		return 1
	}
	age := s.reference.Sub(lastSeen)
	if age < 0 {
		age = 0
	}
	return 0.5 + 0.5*math.Exp2(-float64(age)/float64(s.halfLife))
}

func repoFactor(queryRepo, patternRepo string) float64 {
	if queryRepo == "" || queryRepo == patternRepo {
		return 1
	}
	return otherRepoFactor
}

// rank scores every pattern against errorLog and keeps those at or above
// minScore, ordered by score, then occurrence count, then recency, then id.
func rank(errorLog, repoContext string, corpus []db.LearnedPattern, halfLife time.Duration, minScore float64) []Match {
	normalized := Normalize(errorLog)
	signature := digest(normalized)
	query := extract(normalized)
	sc := newScorer(corpus, halfLife)

	matches := make([]Match, 0)
	for _, p := range corpus {
		text := 1.0
		if p.ErrorSignature != signature {
			text = query.similarity(extract(p.ErrorText))
		}
		score := clamp01(text * repoFactor(repoContext, p.RepoContext) * sc.recency(p.LastSeenAt))
		if score < minScore || score == 0 {
			continue
		}
		matches = append(matches, Match{Pattern: p, TextSimilarity: round4(text), Score: round4(score)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Pattern.OccurrenceCount != b.Pattern.OccurrenceCount {
			return a.Pattern.OccurrenceCount > b.Pattern.OccurrenceCount
		}
		if !a.Pattern.LastSeenAt.Equal(b.Pattern.LastSeenAt) {
			return a.Pattern.LastSeenAt.After(b.Pattern.LastSeenAt)
		}
		return a.Pattern.ID < b.Pattern.ID
	})
	return matches
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
