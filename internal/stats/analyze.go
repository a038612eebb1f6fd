package stats

// Analysis is the outcome of comparing every challenger with the control.
type Analysis struct {
	Comparisons []Comparison // indexed like the input arms, control included
	CILower     []float64
	CIUpper     []float64
	Winner      int     // index of the winning arm, -1 if none
	Confidence  float64 // the winner's confidence, else the best challenger's
}

// Analyze compares each challenger against arms[control]. A challenger wins
// when its confidence exceeds level; among several the most confident wins
// and earlier arms win ties. The control's entry records the confidence that
// it beats the best challenger, and the control wins when that exceeds level
// with no challenger skipped.
func Analyze(arms []Arm, control int, level float64, minSample int) *Analysis {
	a := &Analysis{
		Comparisons: make([]Comparison, len(arms)),
		CILower:     make([]float64, len(arms)),
		CIUpper:     make([]float64, len(arms)),
		Winner:      -1,
	}
	if control < 0 || control >= len(arms) {
		return a
	}

	best, skipped := -1, false
	for i, arm := range arms {
		a.CILower[i], a.CIUpper[i] = WilsonInterval(arm.Conversions, arm.Participants, level)
		if i == control {
			continue
		}
		c := Compare(arms[control], arm, minSample)
		a.Comparisons[i] = c
		if c.Skipped {
			skipped = true
			continue
		}
		if best == -1 || c.Confidence > a.Comparisons[best].Confidence {
			best = i
		}
	}

	if best == -1 {
		a.Comparisons[control] = Comparison{Skipped: true}
		return a
	}

	a.Confidence = a.Comparisons[best].Confidence
	if a.Confidence > level {
		a.Winner = best
	}

	// best is the challenger the control is least sure to beat
	z, conf := ZTest(arms[control], arms[best])
	a.Comparisons[control] = Comparison{Z: z, Confidence: conf}
	if a.Winner == -1 && !skipped && conf > level {
		a.Winner = control
		a.Confidence = conf
	}
	return a
}
