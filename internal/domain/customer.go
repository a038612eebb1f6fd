package domain

import "time"

// CustomerContext is the caller-owned description of a customer at decision time.
// It is read-only for the duration of a decision.
type CustomerContext struct {
	Demographics Demographics   `json:"demographics" yaml:"demographics"`
	Behavioral   BehavioralData `json:"behavioral" yaml:"behavioral"`
	Contextual   ContextualData `json:"contextual" yaml:"contextual"`
	Preferences  Preferences    `json:"preferences" yaml:"preferences"`
}

// Demographics holds static profile attributes.
type Demographics struct {
	Age      int    `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Location string `json:"location,omitempty"`
	Segment  string `json:"segment,omitempty"`
}

// ActivityLevel is a coarse activity tier.
type ActivityLevel string

const (
	ActivityLow    ActivityLevel = "low"
	ActivityMedium ActivityLevel = "medium"
	ActivityHigh   ActivityLevel = "high"
)

// BehavioralData holds historical behaviour used by the candidate generators.
type BehavioralData struct {
	PurchaseHistory   []Purchase    `json:"purchaseHistory,omitempty"`
	LifetimeValue     float64       `json:"lifetimeValue"`
	ChurnRisk         float64       `json:"churnRisk"`       // 0.0-1.0
	EngagementScore   float64       `json:"engagementScore"` // 0-100
	ActivityLevel     ActivityLevel `json:"activityLevel,omitempty"`
	PreferredChannels []string      `json:"preferredChannels,omitempty"`
}

// Purchase is one historical order.
type Purchase struct {
	ID       string    `json:"id,omitempty"`
	Amount   float64   `json:"amount"`
	Category string    `json:"category,omitempty"`
	At       time.Time `json:"at"`
}

// ContextualData describes the current session.
type ContextualData struct {
	Device       string    `json:"device,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	SessionDepth int       `json:"sessionDepth,omitempty"` // pages viewed this session
	Timestamp    time.Time `json:"timestamp,omitempty"`
	Referrer     string    `json:"referrer,omitempty"`
}

// Preferences holds explicit customer choices.
type Preferences struct {
	Categories     []string `json:"categories,omitempty"`
	OptOutChannels []string `json:"optOutChannels,omitempty"`
	Language       string   `json:"language,omitempty"`
}

// LastPurchase returns the most recent purchase time, or the zero time.
func (b *BehavioralData) LastPurchase() time.Time {
	var last time.Time
	for _, p := range b.PurchaseHistory {
		if p.At.After(last) {
			last = p.At
		}
	}
	return last
}

// AverageOrderValue returns the mean purchase amount.
func (b *BehavioralData) AverageOrderValue() float64 {
	if len(b.PurchaseHistory) == 0 {
		return 0
	}
	var total float64
	for _, p := range b.PurchaseHistory {
		total += p.Amount
	}
	return total / float64(len(b.PurchaseHistory))
}
