// Package ranking orders candidate recommendations by a weighted blend of
// business objectives.
package ranking

import (
	"math"
	"sort"

	"github.com/opensource-finance/heron/internal/domain"
)

// RevenueScale is the expected value that maps to a full revenue sub-score.
const RevenueScale = 1000.0

// SubScore maps one objective to a normalized [0,1] score for rec.
// Unknown objective types score 0.
func SubScore(obj domain.ObjectiveType, rec *domain.Recommendation) float64 {
	var v float64
	switch obj {
	case domain.ObjectiveRevenue:
		v = rec.ExpectedValue / RevenueScale
	case domain.ObjectiveEngagement:
		v = rec.Target.Engagement / 100
	case domain.ObjectiveRetention:
		v = rec.Confidence
	case domain.ObjectiveConversion:
		v = rec.Target.ConversionRate
	}
	return math.Max(0, math.Min(1, v))
}

// Score is the weighted sum of sub-scores over the objective vector.
func Score(objectives domain.ObjectiveVector, rec *domain.Recommendation) float64 {
	var total float64
	for _, o := range objectives {
		total += o.Weight * SubScore(o.Type, rec)
	}
	return total
}

// Rank returns a new slice of candidates with Score set, sorted by score
// descending. Equal scores keep their input order. The input is not modified.
func Rank(objectives domain.ObjectiveVector, candidates []domain.Recommendation) []domain.Recommendation {
	ranked := make([]domain.Recommendation, len(candidates))
	for i, rec := range candidates {
		rec.Score = Score(objectives, &candidates[i])
		ranked[i] = rec
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Cap truncates recs to at most max entries. max <= 0 selects the default.
func Cap(recs []domain.Recommendation, max int) []domain.Recommendation {
	if max <= 0 {
		max = domain.DefaultMaxRecommendations
	}
	if len(recs) > max {
		return recs[:max]
	}
	return recs
}

// OverallConfidence is the mean confidence plus a diversity bonus of
// count/5 capped at 0.2, with the total capped at 1. An empty list scores 0.
func OverallConfidence(recs []domain.Recommendation) float64 {
	if len(recs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range recs {
		sum += r.Confidence
	}
	mean := sum / float64(len(recs))
	bonus := math.Min(float64(len(recs))/5, 0.2)
	return math.Min(mean+bonus, 1)
}
