package learning

import (
	"fmt"
	"strings"

	"github.com/jonathan/cifix/internal/db"
)

const maxBlendedFixes = 3

// EnhanceInput is one enhanced fix query.
type EnhanceInput struct {
	ErrorLog    string
	RepoContext string
	BaseFix     string
	// MinConfidence overrides the configured score floor when > 0.
	MinConfidence float64
}

// EnhancedFix is the base fix refined with historically approved fixes.
type EnhancedFix struct {
	Fix        string  `json:"enhanced_fix"`
	BaseFix    string  `json:"base_fix"`
	Enhanced   bool    `json:"enhanced"`
	Confidence float64 `json:"confidence"`
	Sources    []Match `json:"sources"`
}

func enhance(in EnhanceInput, corpus []db.LearnedPattern, cfg Config) *EnhancedFix {
	floor := cfg.EnhanceMinConfidence
	if in.MinConfidence > 0 {
		floor = in.MinConfidence
	}

	out := &EnhancedFix{Fix: in.BaseFix, BaseFix: in.BaseFix, Sources: []Match{}}
	baseHash := FixHash(in.BaseFix)
	seen := map[string]bool{baseHash: true}
	for _, m := range rank(in.ErrorLog, in.RepoContext, corpus, cfg.HalfLife, floor) {
		if m.Pattern.Outcome != db.OutcomeApproved || strings.TrimSpace(m.Pattern.FixText) == "" {
			continue
		}
		h := m.Pattern.FixHash
		if h == "" {
			h = FixHash(m.Pattern.FixText)
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		out.Sources = append(out.Sources, m)
		if len(out.Sources) == maxBlendedFixes {
			break
		}
	}
	if len(out.Sources) == 0 {
		return out
	}

	var b strings.Builder
	if base := strings.TrimSpace(in.BaseFix); base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	b.WriteString("Fixes previously approved for similar failures:\n")
	for i, m := range out.Sources {
		fmt.Fprintf(&b, "%d. %s (similarity %.2f, seen %d times)\n",
			i+1, strings.TrimSpace(m.Pattern.FixText), m.Score, m.Pattern.OccurrenceCount)
	}

	out.Fix = strings.TrimRight(b.String(), "\n")
	out.Enhanced = true
	out.Confidence = out.Sources[0].Score
	return out
}
