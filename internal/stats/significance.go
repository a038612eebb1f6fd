// Package stats holds the statistics behind experiment analysis: the
// two-proportion z-test, Wilson score intervals, sample size estimates
// and Thompson sampling over Beta posteriors.
package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Arm is the observed outcome of one variant.
type Arm struct {
	Participants int
	Conversions  int
}

// Rate returns the conversion rate, or 0 with no participants.
func (a Arm) Rate() float64 {
	if a.Participants == 0 {
		return 0
	}
	return float64(a.Conversions) / float64(a.Participants)
}

// Comparison is the outcome of testing a challenger against the control.
type Comparison struct {
	Z          float64
	Confidence float64 // P(challenger rate > control rate), 0 when skipped
	Skipped    bool    // an arm was below the minimum sample
}

// ZTest performs a pooled two-proportion z-test and returns the z statistic
// and the one-sided confidence that a outperforms b.
func ZTest(a, b Arm) (z, confidence float64) {
	if a.Participants == 0 || b.Participants == 0 {
		return 0, 0.5
	}

	pA := a.Rate()
	pB := b.Rate()

	// Pooled proportion under the null hypothesis pA == pB
	pooled := float64(a.Conversions+b.Conversions) / float64(a.Participants+b.Participants)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(a.Participants) + 1/float64(b.Participants)))

	if se == 0 {
		switch {
		case pA > pB:
			return math.Inf(1), 1
		case pA < pB:
			return math.Inf(-1), 0
		}
		return 0, 0.5
	}

	z = (pA - pB) / se
	return z, distuv.UnitNormal.CDF(z)
}

// Compare tests challenger against control. Either arm with fewer than
// minSample participants skips the test and reports zero confidence.
func Compare(control, challenger Arm, minSample int) Comparison {
	if control.Participants < minSample || challenger.Participants < minSample {
		return Comparison{Skipped: true}
	}
	z, conf := ZTest(challenger, control)
	return Comparison{Z: z, Confidence: conf}
}

// ZScore returns the two-sided critical value for a confidence level,
// e.g. 0.95 -> 1.96.
func ZScore(confidence float64) float64 {
	if confidence <= 0 || confidence >= 1 {
		return 0
	}
	return distuv.UnitNormal.Quantile((1 + confidence) / 2)
}
