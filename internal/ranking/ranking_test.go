package ranking

import (
	"math"
	"testing"

	"github.com/opensource-finance/heron/internal/domain"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSubScore(t *testing.T) {
	rec := &domain.Recommendation{
		Confidence:    0.85,
		ExpectedValue: 1200,
		Target:        domain.TargetMetrics{ConversionRate: 0.06, Engagement: 45},
	}

	tests := []struct {
		obj  domain.ObjectiveType
		want float64
	}{
		{domain.ObjectiveRevenue, 1}, // capped
		{domain.ObjectiveEngagement, 0.45},
		{domain.ObjectiveRetention, 0.85},
		{domain.ObjectiveConversion, 0.06},
		{"unknown", 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.obj), func(t *testing.T) {
			if got := SubScore(tt.obj, rec); !approx(got, tt.want) {
				t.Errorf("SubScore(%s) = %v, want %v", tt.obj, got, tt.want)
			}
		})
	}

	small := &domain.Recommendation{ExpectedValue: 250}
	if got := SubScore(domain.ObjectiveRevenue, small); !approx(got, 0.25) {
		t.Errorf("expected revenue sub-score 0.25, got %v", got)
	}
}

func TestRank(t *testing.T) {
	objectives := domain.ObjectiveVector{
		{Type: domain.ObjectiveRevenue, Weight: 0.4},
		{Type: domain.ObjectiveEngagement, Weight: 0.3},
		{Type: domain.ObjectiveRetention, Weight: 0.3},
	}
	candidates := []domain.Recommendation{
		{ID: "low", Confidence: 0.4, ExpectedValue: 0, Target: domain.TargetMetrics{Engagement: 10}},
		{ID: "high", Confidence: 0.85, ExpectedValue: 1200, Target: domain.TargetMetrics{Engagement: 60}},
		{ID: "mid", Confidence: 0.7, ExpectedValue: 300, Target: domain.TargetMetrics{Engagement: 50}},
	}

	ranked := Rank(objectives, candidates)

	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, ranked[i].ID)
		}
	}

	// 0.4*1 + 0.3*0.6 + 0.3*0.85
	if !approx(ranked[0].Score, 0.4+0.18+0.255) {
		t.Errorf("unexpected top score %v", ranked[0].Score)
	}

	if candidates[0].Score != 0 || candidates[0].ID != "low" {
		t.Error("Rank must not modify its input")
	}
}

func TestRankStableOnTies(t *testing.T) {
	objectives := domain.ObjectiveVector{{Type: domain.ObjectiveRetention, Weight: 1}}
	candidates := []domain.Recommendation{
		{ID: "first", Confidence: 0.5},
		{ID: "second", Confidence: 0.5},
		{ID: "third", Confidence: 0.9},
		{ID: "fourth", Confidence: 0.5},
	}

	ranked := Rank(objectives, candidates)
	want := []string{"third", "first", "second", "fourth"}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, ranked[i].ID)
		}
	}
}

func TestCap(t *testing.T) {
	recs := make([]domain.Recommendation, 8)
	if got := Cap(recs, 3); len(got) != 3 {
		t.Errorf("expected 3, got %d", len(got))
	}
	if got := Cap(recs, 0); len(got) != domain.DefaultMaxRecommendations {
		t.Errorf("expected default cap %d, got %d", domain.DefaultMaxRecommendations, len(got))
	}
	if got := Cap(recs[:2], 5); len(got) != 2 {
		t.Errorf("expected short list untouched, got %d", len(got))
	}
}

func TestOverallConfidence(t *testing.T) {
	tests := []struct {
		name        string
		confidences []float64
		want        float64
	}{
		{"Empty", nil, 0},
		{"Single", []float64{0.5}, 0.5 + 0.2},
		{"Three", []float64{0.6, 0.7, 0.8}, 0.7 + 0.2},
		{"CappedAtOne", []float64{0.95, 0.9}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := make([]domain.Recommendation, len(tt.confidences))
			for i, c := range tt.confidences {
				recs[i].Confidence = c
			}
			if got := OverallConfidence(recs); !approx(got, tt.want) {
				t.Errorf("OverallConfidence() = %v, want %v", got, tt.want)
			}
		})
	}
}
