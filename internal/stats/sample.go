package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultPower is the statistical power used for sample size estimates.
const DefaultPower = 0.8

// RequiredSampleSize estimates participants needed per arm to detect a
// relative lift of mde over baseline at the given confidence and power.
// Returns 0 when the inputs cannot produce an estimate.
func RequiredSampleSize(baseline, mde, confidence, power float64) int {
	if baseline <= 0 || baseline >= 1 || mde <= 0 {
		return 0
	}
	if power <= 0 || power >= 1 {
		power = DefaultPower
	}

	target := baseline * (1 + mde)
	if target >= 1 {
		target = 0.9999
	}
	delta := target - baseline

	zAlpha := ZScore(confidence)
	zBeta := distuv.UnitNormal.Quantile(power)
	pBar := (baseline + target) / 2

	num := zAlpha*math.Sqrt(2*pBar*(1-pBar)) + zBeta*math.Sqrt(baseline*(1-baseline)+target*(1-target))
	return int(math.Ceil(num * num / (delta * delta)))
}
