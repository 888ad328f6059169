package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the protection engine.
type Metrics struct {
	registry *prometheus.Registry

	RateLimitDenials  *prometheus.CounterVec
	AccountLocks      prometheus.Counter
	Assessments       *prometheus.CounterVec
	ProviderLookups   *prometheus.CounterVec
	AssessmentLatency prometheus.Histogram
	LoginOutcomes     *prometheus.CounterVec
}

// NewMetrics registers the engine's collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "rate_limit_denials_total",
			Help:      "Requests denied by the token bucket limiter.",
		}, []string{"category"}),
		AccountLocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "account_locks_total",
			Help:      "Accounts locked by the brute-force tracker or threat scorer.",
		}),
		Assessments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "threat_assessments_total",
			Help:      "Threat assessments by resulting action.",
		}, []string{"action"}),
		ProviderLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "reputation_lookups_total",
			Help:      "Reputation provider lookups by outcome.",
		}, []string{"outcome"}),
		AssessmentLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bastion",
			Name:      "threat_assessment_duration_seconds",
			Help:      "Wall time of one asynchronous threat assessment.",
			Buckets:   prometheus.DefBuckets,
		}),
		LoginOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
