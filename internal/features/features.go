// Package features turns a customer context into the flat feature set the
// decision pipeline reads, and adapts external feature providers.
package features

import (
	"math"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Feature names.
const (
	Age      = "age"
	Gender   = "gender"
	Location = "location"
	Segment  = "segment"

	LifetimeValue     = "lifetime_value"
	ChurnRisk         = "churn_risk"
	EngagementScore   = "engagement_score"
	ActivityLevel     = "activity_level"
	PurchaseCount     = "purchase_count"
	AvgOrderValue     = "avg_order_value"
	DaysSincePurchase = "days_since_purchase"
	PreferredChannels = "preferred_channels"
	OptOutChannels    = "opt_out_channels"

	Device       = "device"
	SessionDepth = "session_depth"
	HourOfDay    = "hour_of_day"

	PropensityToBuy = "propensity_to_buy"
	Recency         = "recency"
	Frequency       = "frequency"
	Monetary        = "monetary"
	RFMScore        = "rfm_score"
)

// Set is a flat feature map.
type Set map[string]any

// Float returns a numeric feature, or 0 when absent or not numeric.
func (s Set) Float(name string) float64 {
	switch v := s[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns a numeric feature truncated to int.
func (s Set) Int(name string) int {
	return int(s.Float(name))
}

// String returns a string feature, or "" when absent.
func (s Set) String(name string) string {
	v, _ := s[name].(string)
	return v
}

// Strings returns a string-list feature. Lists decoded from JSON arrive as
// []any and are converted.
func (s Set) Strings(name string) []string {
	switch v := s[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Merge copies provider features into s without overwriting keys already
// present.
func (s Set) Merge(provided map[string]any) {
	for k, v := range provided {
		if _, ok := s[k]; !ok {
			s[k] = v
		}
	}
}

// activity tiers feeding propensity
var activityTier = map[domain.ActivityLevel]float64{
	domain.ActivityHigh:   1.0,
	domain.ActivityMedium: 0.6,
	domain.ActivityLow:    0.2,
}

// Extract maps a customer context to a feature set. now anchors recency and
// is used for hour of day when the context carries no timestamp. Extract is
// pure.
func Extract(c *domain.CustomerContext, now time.Time) Set {
	b := &c.Behavioral
	s := Set{
		Age:      c.Demographics.Age,
		Gender:   c.Demographics.Gender,
		Location: c.Demographics.Location,
		Segment:  c.Demographics.Segment,

		LifetimeValue:     b.LifetimeValue,
		ChurnRisk:         b.ChurnRisk,
		EngagementScore:   b.EngagementScore,
		ActivityLevel:     string(b.ActivityLevel),
		PurchaseCount:     len(b.PurchaseHistory),
		AvgOrderValue:     b.AverageOrderValue(),
		PreferredChannels: append([]string(nil), b.PreferredChannels...),
		OptOutChannels:    append([]string(nil), c.Preferences.OptOutChannels...),

		Device:       c.Contextual.Device,
		SessionDepth: c.Contextual.SessionDepth,
	}

	at := c.Contextual.Timestamp
	if at.IsZero() {
		at = now
	}
	s[HourOfDay] = at.Hour()

	days := -1.0
	if last := b.LastPurchase(); !last.IsZero() {
		days = math.Max(0, now.Sub(last).Hours()/24)
	}
	s[DaysSincePurchase] = days

	s[PropensityToBuy] = Propensity(b, c.Contextual.SessionDepth)

	recency, frequency, monetary := RFM(b, now)
	s[Recency] = recency
	s[Frequency] = frequency
	s[Monetary] = monetary
	s[RFMScore] = (recency + frequency + monetary) / 3

	return s
}

// Propensity blends engagement (30%), activity tier (20%), session depth
// (20%, saturating at 10 pages) and purchase count (30%, saturating at 10
// orders) into a [0,1] purchase-likelihood score.
func Propensity(b *domain.BehavioralData, sessionDepth int) float64 {
	engagement := clamp01(b.EngagementScore / 100)
	session := math.Min(float64(sessionDepth)/10, 1)
	purchases := math.Min(float64(len(b.PurchaseHistory))/10, 1)

	return clamp01(0.3*engagement + 0.2*activityTier[b.ActivityLevel] + 0.2*session + 0.3*purchases)
}

// RFM returns normalized recency, frequency and monetary scores.
// Recency decays linearly to 0 over a year since the last purchase.
// Frequency saturates at 20 purchases, monetary at a lifetime value of 5000.
func RFM(b *domain.BehavioralData, now time.Time) (recency, frequency, monetary float64) {
	if last := b.LastPurchase(); !last.IsZero() {
		days := math.Max(0, now.Sub(last).Hours()/24)
		recency = 1 - math.Min(days/365, 1)
	}
	frequency = math.Min(float64(len(b.PurchaseHistory))/20, 1)
	monetary = clamp01(b.LifetimeValue / 5000)
	return recency, frequency, monetary
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
