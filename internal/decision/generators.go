package decision

import (
	"fmt"
	"math"
	"slices"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/features"
)

// ConfidenceFloor drops any candidate at or below this confidence.
const ConfidenceFloor = 0.3

// Generator emits at most one candidate from a feature set.
type Generator func(f features.Set) *domain.Recommendation

// Thresholds for the built-in generators.
const (
	churnThreshold      = 0.7
	churnValueShare     = 0.6
	upsellPropensity    = 0.6
	upsellEngagement    = 70
	vipLifetimeValue    = 5000
	vipEngagement       = 80
	personalizedLTV     = 1000
	personalizedEngaged = 50
)

// ChannelStats is the historical lift and conversion rate of a channel.
type ChannelStats struct {
	Lift           float64
	ConversionRate float64
}

// Channels is the per-channel performance table.
var Channels = map[string]ChannelStats{
	"email":  {Lift: 0.15, ConversionRate: 0.04},
	"sms":    {Lift: 0.22, ConversionRate: 0.06},
	"push":   {Lift: 0.18, ConversionRate: 0.05},
	"social": {Lift: 0.10, ConversionRate: 0.03},
	"web":    {Lift: 0.12, ConversionRate: 0.035},
}

type timingBucket struct {
	name       string
	from, to   int // inclusive hours
	confidence float64
}

var timingBuckets = []timingBucket{
	{name: "morning", from: 6, to: 11, confidence: 0.65},
	{name: "afternoon", from: 12, to: 17, confidence: 0.55},
	{name: "evening", from: 18, to: 22, confidence: 0.75},
}

var nightBucket = timingBucket{name: "night", confidence: 0.35}

// generatorsFor returns the generators run for a decision type, in
// generation order. next_best_action runs all of them.
func generatorsFor(t domain.DecisionType) []Generator {
	switch t {
	case domain.DecisionOffer:
		return []Generator{ChurnPrevention, Upsell}
	case domain.DecisionContent:
		return []Generator{ContentPersonalization}
	case domain.DecisionChannel:
		return []Generator{ChannelOptimization}
	case domain.DecisionTiming:
		return []Generator{TimingOptimization}
	default:
		return []Generator{ChurnPrevention, Upsell, ChannelOptimization, TimingOptimization, ContentPersonalization}
	}
}

// ChurnPrevention offers a retention incentive to customers likely to churn.
func ChurnPrevention(f features.Set) *domain.Recommendation {
	risk := f.Float(features.ChurnRisk)
	if risk <= churnThreshold {
		return nil
	}
	ltv := f.Float(features.LifetimeValue)
	ev := churnValueShare * ltv

	return &domain.Recommendation{
		ID:            "churn-prevention",
		Type:          domain.RecommendationOffer,
		Text:          "Offer a retention discount before the customer lapses",
		Confidence:    risk,
		ExpectedValue: ev,
		Priority:      domain.PriorityHigh,
		Target: domain.TargetMetrics{
			ConversionRate: 0.25,
			Revenue:        ev,
			Engagement:     f.Float(features.EngagementScore),
		},
		Reasons: []string{
			fmt.Sprintf("churn risk %.2f exceeds %.2f", risk, churnThreshold),
			fmt.Sprintf("retains an estimated %.0f of lifetime value %.0f", ev, ltv),
		},
	}
}

// Upsell recommends a premium product to engaged customers likely to buy.
func Upsell(f features.Set) *domain.Recommendation {
	propensity := f.Float(features.PropensityToBuy)
	engagement := f.Float(features.EngagementScore)
	if propensity <= upsellPropensity || engagement <= upsellEngagement {
		return nil
	}
	ev := 1.5 * f.Float(features.AvgOrderValue)

	return &domain.Recommendation{
		ID:            "upsell-premium",
		Type:          domain.RecommendationProduct,
		Text:          "Recommend a premium upgrade",
		Confidence:    propensity,
		ExpectedValue: ev,
		Priority:      domain.PriorityMedium,
		Target: domain.TargetMetrics{
			ConversionRate: propensity * 0.3,
			Revenue:        ev,
			Engagement:     engagement,
		},
		Reasons: []string{
			fmt.Sprintf("propensity to buy %.2f", propensity),
			fmt.Sprintf("engagement score %.0f", engagement),
		},
	}
}

// ChannelOptimization picks the customer's first preferred channel that is
// known and not opted out.
func ChannelOptimization(f features.Set) *domain.Recommendation {
	optOut := f.Strings(features.OptOutChannels)

	for _, ch := range f.Strings(features.PreferredChannels) {
		stats, ok := Channels[ch]
		if !ok || slices.Contains(optOut, ch) {
			continue
		}
		engagement := math.Min(f.Float(features.EngagementScore)*(1+stats.Lift), 100)

		return &domain.Recommendation{
			ID:            "channel-" + ch,
			Type:          domain.RecommendationChannel,
			Text:          fmt.Sprintf("Reach the customer through %s", ch),
			Confidence:    math.Min(0.4+2*stats.Lift, 0.95),
			ExpectedValue: f.Float(features.LifetimeValue) * stats.ConversionRate,
			Priority:      domain.PriorityMedium,
			Target: domain.TargetMetrics{
				ConversionRate: stats.ConversionRate,
				Engagement:     engagement,
			},
			Reasons: []string{
				fmt.Sprintf("%s is a preferred channel with %.0f%% historical lift", ch, stats.Lift*100),
			},
		}
	}
	return nil
}

// TimingOptimization recommends a send window from the hour of day.
func TimingOptimization(f features.Set) *domain.Recommendation {
	hour := f.Int(features.HourOfDay)
	bucket := nightBucket
	for _, b := range timingBuckets {
		if hour >= b.from && hour <= b.to {
			bucket = b
			break
		}
	}

	return &domain.Recommendation{
		ID:         "timing-" + bucket.name,
		Type:       domain.RecommendationTiming,
		Text:       fmt.Sprintf("Schedule outreach for the %s window", bucket.name),
		Confidence: bucket.confidence,
		Priority:   domain.PriorityLow,
		Target: domain.TargetMetrics{
			ConversionRate: bucket.confidence * 0.05,
			Engagement:     bucket.confidence * 100,
		},
		Reasons: []string{
			fmt.Sprintf("hour %d falls in the %s window", hour, bucket.name),
		},
	}
}

// ContentPersonalization selects a content tier from lifetime value and
// engagement.
func ContentPersonalization(f features.Set) *domain.Recommendation {
	ltv := f.Float(features.LifetimeValue)
	engagement := f.Float(features.EngagementScore)

	rec := &domain.Recommendation{Type: domain.RecommendationContent}
	switch {
	case ltv > vipLifetimeValue && engagement > vipEngagement:
		rec.ID = "content-vip"
		rec.Text = "Show exclusive VIP content"
		rec.Confidence = 0.9
		rec.ExpectedValue = 0.05 * ltv
		rec.Priority = domain.PriorityHigh
		rec.Target = domain.TargetMetrics{ConversionRate: 0.08, Engagement: 90}
		rec.Reasons = []string{"high-value, highly engaged customer"}
	case ltv > personalizedLTV || engagement > personalizedEngaged:
		rec.ID = "content-personalized"
		rec.Text = "Show content personalized to purchase history"
		rec.Confidence = 0.7
		rec.ExpectedValue = 0.03 * ltv
		rec.Priority = domain.PriorityMedium
		rec.Target = domain.TargetMetrics{ConversionRate: 0.05, Engagement: 70}
		rec.Reasons = []string{"established customer with meaningful engagement"}
	default:
		rec.ID = "content-reengagement"
		rec.Text = "Show re-engagement content"
		rec.Confidence = 0.5
		rec.ExpectedValue = 0.01 * ltv
		rec.Priority = domain.PriorityLow
		rec.Target = domain.TargetMetrics{ConversionRate: 0.02, Engagement: 50}
		rec.Reasons = []string{"low value or low engagement customer"}
	}
	rec.Target.Revenue = rec.ExpectedValue
	return rec
}

// generate runs gens in order, splitting candidates at the confidence floor.
func generate(gens []Generator, f features.Set) (kept []domain.Recommendation, belowFloor int) {
	for _, g := range gens {
		rec := g(f)
		if rec == nil {
			continue
		}
		if rec.Confidence <= ConfidenceFloor {
			belowFloor++
			continue
		}
		kept = append(kept, *rec)
	}
	return kept, belowFloor
}
