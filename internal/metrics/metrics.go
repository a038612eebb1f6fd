// Package metrics holds the Prometheus collectors for decisions and
// experiments. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer

	decisions        *prometheus.CounterVec
	decisionLatency  *prometheus.HistogramVec
	decisionFallback *prometheus.CounterVec
	recommendations  prometheus.Histogram

	assignments *prometheus.CounterVec
	conversions *prometheus.CounterVec
	transitions *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "heron"
	}
	f := promauto.With(reg)

	return &Metrics{
		namespace: namespace,
		registry:  reg,
		gatherer:  reg,

		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "total",
			Help:      "Decisions made by decision type and outcome",
		}, []string{"decision_type", "outcome"}),

		decisionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "latency_seconds",
			Help:      "Decision latency in seconds",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"decision_type"}),

		decisionFallback: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "fallbacks_total",
			Help:      "Decisions answered by the fallback path, by reason",
		}, []string{"reason"}),

		recommendations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "recommendations",
			Help:      "Recommendations returned per decision",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 10},
		}),

		assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "assignments_total",
			Help:      "New variant assignments by experiment and variant",
		}, []string{"experiment_id", "variant_id"}),

		conversions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "conversions_total",
			Help:      "Recorded conversion events by experiment and metric",
		}, []string{"experiment_id", "metric"}),

		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "transitions_total",
			Help:      "Experiment lifecycle transitions by action",
		}, []string{"action"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status class",
		}, []string{"method", "route", "status"}),
	}
}

// ObserveDecision records one finished decision. reason is empty unless the
// fallback path answered.
func (m *Metrics) ObserveDecision(decisionType string, recs int, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if reason != "" {
		outcome = "fallback"
		m.decisionFallback.WithLabelValues(reason).Inc()
	}
	m.decisions.WithLabelValues(decisionType, outcome).Inc()
	m.decisionLatency.WithLabelValues(decisionType).Observe(elapsed.Seconds())
	m.recommendations.Observe(float64(recs))
}

// IncAssignment counts a newly persisted variant assignment.
func (m *Metrics) IncAssignment(experimentID, variantID string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(experimentID, variantID).Inc()
}

// IncConversion counts a recorded conversion event.
func (m *Metrics) IncConversion(experimentID, metric string) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(experimentID, metric).Inc()
}

// IncTransition counts an experiment lifecycle change.
func (m *Metrics) IncTransition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

// IncHTTPRequest counts one served request. status is collapsed to its class (2xx, 4xx).
func (m *Metrics) IncHTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
}

// RegisterCache exports a local cache's size and lookup counters, read
// from stats at scrape time.
func (m *Metrics) RegisterCache(stats func() domain.CacheStats) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(newCacheCollector(m.namespace, stats))
}

type cacheCollector struct {
	stats  func() domain.CacheStats
	size   *prometheus.Desc
	hits   *prometheus.Desc
	misses *prometheus.Desc
}

func newCacheCollector(namespace string, stats func() domain.CacheStats) *cacheCollector {
	return &cacheCollector{
		stats:  stats,
		size:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "entries"), "Entries held in the local cache", nil, nil),
		hits:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "hits_total"), "Local cache hits", nil, nil),
		misses: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "misses_total"), "Local cache misses", nil, nil),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.hits
	ch <- c.misses
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
