package learning

import (
	"math"
	"slices"

	"github.com/jonathan/cifix/internal/db"
)

// PositiveStatuses count as an approved decision when scoring the model.
var PositiveStatuses = []string{
	db.FixStatusApproved,
	db.FixStatusApplying,
	db.FixStatusApplied,
	db.FixStatusApprovedApplicationFailed,
}

// NegativeStatuses count as a rejected decision.
var NegativeStatuses = []string{db.FixStatusRejected}

// DecidedStatuses is the union of positive and negative statuses.
var DecidedStatuses = append(slices.Clone(PositiveStatuses), NegativeStatuses...)

// Calibration bands, lower bound inclusive.
var bandEdges = []float64{0, 0.5, 0.7, 0.9}

// Band is one calibration bucket.
type Band struct {
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	Count          int     `json:"count"`
	MeanConfidence float64 `json:"mean_confidence"`
	ApprovalRate   float64 `json:"approval_rate"`
}

// CategoryPrecision is precision restricted to one error category.
type CategoryPrecision struct {
	Category          string   `json:"category"`
	Evaluated         int      `json:"evaluated"`
	PredictedPositive int      `json:"predicted_positive"`
	TruePositive      int      `json:"true_positive"`
	Precision         *float64 `json:"precision"`
}

// Performance compares analyzer confidence with human decisions. Ratios are
// nil when their denominator is zero.
type Performance struct {
	Threshold              float64             `json:"threshold"`
	Evaluated              int                 `json:"evaluated"`
	Skipped                int                 `json:"skipped"`
	TruePositive           int                 `json:"true_positive"`
	FalsePositive          int                 `json:"false_positive"`
	TrueNegative           int                 `json:"true_negative"`
	FalseNegative          int                 `json:"false_negative"`
	Precision              *float64            `json:"precision"`
	Recall                 *float64            `json:"recall"`
	Accuracy               *float64            `json:"accuracy"`
	F1                     *float64            `json:"f1"`
	BrierScore             *float64            `json:"brier_score"`
	MeanConfidenceApproved *float64            `json:"mean_confidence_approved"`
	MeanConfidenceRejected *float64            `json:"mean_confidence_rejected"`
	Calibration            []Band              `json:"calibration"`
	Categories             []CategoryPrecision `json:"categories"`
}

// evaluate scores decided records whose confidence is known.
func evaluate(records []db.FailureRecord, threshold float64) *Performance {
	perf := &Performance{Threshold: threshold}
	bands := make([]Band, len(bandEdges))
	for i, lo := range bandEdges {
		hi := 1.0
		if i+1 < len(bandEdges) {
			hi = bandEdges[i+1]
		}
		bands[i] = Band{Min: lo, Max: hi}
	}
	bandApproved := make([]int, len(bands))
	bandConfSum := make([]float64, len(bands))

	categories := map[string]*CategoryPrecision{}
	var brier, confApproved, confRejected float64
	var nApproved, nRejected int

	for _, r := range records {
		positive := slices.Contains(PositiveStatuses, r.FixStatus)
		negative := slices.Contains(NegativeStatuses, r.FixStatus)
		if !positive && !negative {
			continue
		}
		if r.ConfidenceScore == nil {
			perf.Skipped++
			continue
		}
		conf := clamp01(*r.ConfidenceScore)
		predicted := conf >= threshold
		perf.Evaluated++

		actual := 0.0
		if positive {
			actual = 1
			nApproved++
			confApproved += conf
		} else {
			nRejected++
			confRejected += conf
		}
		brier += (conf - actual) * (conf - actual)

		switch {
		case predicted && positive:
			perf.TruePositive++
		case predicted && negative:
			perf.FalsePositive++
		case !predicted && negative:
			perf.TrueNegative++
		default:
			perf.FalseNegative++
		}

		bi := bandIndex(conf)
		bands[bi].Count++
		bandConfSum[bi] += conf
		if positive {
			bandApproved[bi]++
		}

		category := CategoryUnknown
		if r.ErrorCategory != nil && *r.ErrorCategory != "" {
			category = *r.ErrorCategory
		}
		cp, ok := categories[category]
		if !ok {
			cp = &CategoryPrecision{Category: category}
			categories[category] = cp
		}
		cp.Evaluated++
		if predicted {
			cp.PredictedPositive++
			if positive {
				cp.TruePositive++
			}
		}
	}

	tp, fp, tn, fn := float64(perf.TruePositive), float64(perf.FalsePositive), float64(perf.TrueNegative), float64(perf.FalseNegative)
	perf.Precision = ratio(tp, tp+fp)
	perf.Recall = ratio(tp, tp+fn)
	perf.Accuracy = ratio(tp+tn, float64(perf.Evaluated))
	if perf.Precision != nil && perf.Recall != nil && *perf.Precision+*perf.Recall > 0 {
		perf.F1 = ptr(round4(2 * *perf.Precision * *perf.Recall / (*perf.Precision + *perf.Recall)))
	}
	perf.BrierScore = ratio(brier, float64(perf.Evaluated))
	perf.MeanConfidenceApproved = ratio(confApproved, float64(nApproved))
	perf.MeanConfidenceRejected = ratio(confRejected, float64(nRejected))

	for i := range bands {
		if bands[i].Count > 0 {
			n := float64(bands[i].Count)
			bands[i].MeanConfidence = round4(bandConfSum[i] / n)
			bands[i].ApprovalRate = round4(float64(bandApproved[i]) / n)
		}
	}
	perf.Calibration = bands

	perf.Categories = make([]CategoryPrecision, 0, len(categories))
	for _, cp := range categories {
		cp.Precision = ratio(float64(cp.TruePositive), float64(cp.PredictedPositive))
		perf.Categories = append(perf.Categories, *cp)
	}
	slices.SortFunc(perf.Categories, func(a, b CategoryPrecision) int {
		if a.Evaluated != b.Evaluated {
			return b.Evaluated - a.Evaluated
		}
		if a.Category < b.Category {
			return -1
		}
		if a.Category > b.Category {
			return 1
		}
		return 0
	})
	return perf
}

func bandIndex(conf float64) int {
	for i := len(bandEdges) - 1; i > 0; i-- {
		if conf >= bandEdges[i] {
			return i
		}
	}
	return 0
}

func ratio(num, den float64) *float64 {
	if den == 0 || math.IsNaN(num) {
		return nil
	}
	return ptr(round4(num / den))
}
