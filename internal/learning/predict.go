package learning

import (
	"math"

	"github.com/jonathan/cifix/internal/db"
)

const (
	// predictionMinScore is the relevance floor for evidence.
	predictionMinScore = 0.3
	// priorRate and priorWeight pull thin evidence towards a coin flip.
	priorRate   = 0.5
	priorWeight = 1.0
	// maxHistoryWeight caps how much history can outvote the analyzer.
	maxHistoryWeight = 0.8
	maxEvidence      = 5
)

// Recommendations attached to a prediction.
const (
	RecommendAutoApprove = "auto_approve_candidate"
	RecommendReview      = "review"
	RecommendReject      = "likely_reject"
)

// PredictInput is one success prediction query.
type PredictInput struct {
	ErrorLog     string
	SuggestedFix string
	RepoContext  string
	// Confidence is the analyzer's own score, if known.
	Confidence *float64
}

// Prediction estimates the probability that a fix will be approved.
type Prediction struct {
	Probability        float64  `json:"success_probability"`
	Label              string   `json:"confidence_level"`
	Recommendation     string   `json:"recommendation"`
	HistoricalRate     *float64 `json:"historical_rate,omitempty"`
	AnalyzerConfidence *float64 `json:"analyzer_confidence,omitempty"`
	EvidenceWeight     float64  `json:"evidence_weight"`
	Evidence           []Match  `json:"evidence"`
}

// predict is a pure function of the input and the corpus snapshot.
func predict(in PredictInput, corpus []db.LearnedPattern, cfg Config) *Prediction {
	matches := rank(in.ErrorLog, in.RepoContext, corpus, cfg.HalfLife, predictionMinScore)

	fixFeatures := extract(Normalize(in.SuggestedFix))
	var approvedWeight, totalWeight float64
	evidence := make([]Match, 0, maxEvidence)
	for _, m := range matches {
		if m.Pattern.Outcome != db.OutcomeApproved && m.Pattern.Outcome != db.OutcomeRejected {
			continue
		}
		w := m.Score * math.Log2(1+float64(m.Pattern.OccurrenceCount))
		if in.SuggestedFix != "" {
			// the same error fixed a different way is weaker evidence
			w *= 0.5 + 0.5*fixFeatures.similarity(extract(Normalize(m.Pattern.FixText)))
		}
		totalWeight += w
		if m.Pattern.Outcome == db.OutcomeApproved {
			approvedWeight += w
		}
		if len(evidence) < maxEvidence {
			evidence = append(evidence, m)
		}
	}

	p := &Prediction{Evidence: evidence, EvidenceWeight: round4(totalWeight)}
	var prob float64
	switch {
	case totalWeight > 0:
		rate := (approvedWeight + priorRate*priorWeight) / (totalWeight + priorWeight)
		p.HistoricalRate = ptr(round4(rate))
		prob = rate
		if in.Confidence != nil {
			alpha := math.Min(totalWeight/(totalWeight+1), maxHistoryWeight)
			prob = alpha*rate + (1-alpha)*clamp01(*in.Confidence)
		}
	case in.Confidence != nil:
		prob = clamp01(*in.Confidence)
	default:
		prob = priorRate
	}
	if in.Confidence != nil {
		p.AnalyzerConfidence = ptr(clamp01(*in.Confidence))
	}

	p.Probability = round4(clamp01(prob))
	p.Label, p.Recommendation = classifyProbability(p.Probability)
	return p
}

func classifyProbability(prob float64) (label, recommendation string) {
	switch {
	case prob >= 0.8:
		return "high", RecommendAutoApprove
	case prob >= 0.5:
		return "medium", RecommendReview
	default:
		return "low", RecommendReject
	}
}

func ptr[T any](v T) *T { return &v }
