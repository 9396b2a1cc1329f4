package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNoIterations is returned when statistics are requested over an empty
// iteration set. That is a caller-side contract violation, not a runtime
// condition, so it fails fast instead of returning NaN.
var ErrNoIterations = errors.New("no iterations to aggregate")

// Decision is the categorical recommendation derived from the median score.
type Decision string

const (
	DecisionProceed            Decision = "Proceed"
	DecisionProceedWithCaution Decision = "Proceed with Caution"
	DecisionNotRecommended     Decision = "Not Recommended"
	DecisionDoNotProceed       Decision = "Do Not Proceed"
)

// Confidence qualifies the spread of iteration scores.
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

// Statistics summarizes the iteration score distribution.
type Statistics struct {
	Mean              float64    `json:"mean"`
	Median            float64    `json:"median"`
	StandardDeviation float64    `json:"standardDeviation"`
	ConfidenceLevel   Confidence `json:"confidenceLevel"`
}

// DecisionResult is the final outcome of a run. Computed exactly once from
// the full iteration set; immutable thereafter.
type DecisionResult struct {
	Decision      Decision          `json:"decision"`
	MedianScore   float64           `json:"medianScore"`
	Justification string            `json:"justification"`
	Iterations    []IterationResult `json:"iterations"`
	Statistics    Statistics        `json:"statistics"`
}

// Decide computes the statistics and categorical recommendation over the
// iteration scores. Pure and deterministic given the same multiset of
// scores. Placeholder iterations (score 50 from parse failures) are included
// deliberately: their pull on the standard deviation is the degradation
// signal.
func Decide(iterations []IterationResult) (*DecisionResult, error) {
	n := len(iterations)
	if n == 0 {
		return nil, ErrNoIterations
	}

	scores := make([]float64, n)
	for i, it := range iterations {
		scores[i] = it.FeasibilityScore
	}

	mean := meanOf(scores)
	median := medianOf(scores)
	stddev := populationStdDev(scores, mean)
	confidence := confidenceOf(stddev)

	return &DecisionResult{
		Decision:    classifyMedian(median),
		MedianScore: median,
		Justification: fmt.Sprintf(
			"Median feasibility score of %.1f across %d independent iterations; %s confidence (standard deviation %.2f).",
			median, n, confidence, stddev),
		Iterations: iterations,
		Statistics: Statistics{
			Mean:              mean,
			Median:            median,
			StandardDeviation: stddev,
			ConfidenceLevel:   confidence,
		},
	}, nil
}

func meanOf(scores []float64) float64 {
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// medianOf sorts a copy ascending; odd length takes the middle element, even
// length the arithmetic mean of the two middle elements.
func medianOf(scores []float64) float64 {
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// populationStdDev divides by N, not N-1: the iterations are the whole
// population of this run, not a sample of a larger one.
func populationStdDev(scores []float64, mean float64) float64 {
	var sumSq float64
	for _, s := range scores {
		d := s - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(scores)))
}

func confidenceOf(stddev float64) Confidence {
	switch {
	case stddev <= 5:
		return ConfidenceHigh
	case stddev <= 15:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// classifyMedian maps the median score to a recommendation. Convention:
// strict >80 for Proceed, inclusive 50–80 for Proceed with Caution,
// inclusive 30–49 for Not Recommended, below 30 Do Not Proceed. This is the
// single source of truth for the bands; renderers must call it rather than
// re-derive thresholds.
func classifyMedian(median float64) Decision {
	switch {
	case median > 80:
		return DecisionProceed
	case median >= 50:
		return DecisionProceedWithCaution
	case median >= 30:
		return DecisionNotRecommended
	default:
		return DecisionDoNotProceed
	}
}
