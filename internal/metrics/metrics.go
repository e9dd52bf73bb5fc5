package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	DecisionsTotal    *prometheus.CounterVec
	DecisionLatency   *prometheus.HistogramVec
	CostEUR           *prometheus.CounterVec
	DirectiveState    prometheus.Gauge
	SpendEUR          *prometheus.GaugeVec
	FeedbackIngested  *prometheus.CounterVec
	RegressionsTotal  *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	CycleSamples      prometheus.Counter
	RateLimitRejected prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genroute_decisions_total",
			Help: "Routing decisions by provider, context bucket, throttle state and reason",
		}, []string{"provider", "bucket", "throttle", "reason"}),
		DecisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genroute_decision_latency_us",
			Help:    "Route decision latency in microseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"throttle"}),
		CostEUR: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genroute_cost_eur_total",
			Help: "Estimated EUR cost recorded against the monthly budget",
		}, []string{"provider"}),
		DirectiveState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genroute_directive_state",
			Help: "Current throttle directive (0=normal 1=soft 2=hard 3=emergency)",
		}),
		SpendEUR: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "genroute_budget_spend_eur",
			Help: "Budget spend in EUR by period (month, day) plus projection",
		}, []string{"period"}),
		FeedbackIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genroute_feedback_events_total",
			Help: "Feedback events ingested, by source and dedup outcome",
		}, []string{"source", "outcome"}),
		RegressionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genroute_regressions_total",
			Help: "Quality regressions flagged per provider",
		}, []string{"provider"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "genroute_learning_cycle_seconds",
			Help:    "Learning cycle wall-clock duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		CycleSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genroute_learning_cycle_samples_total",
			Help: "Reward samples produced by learning cycles",
		}),
		RateLimitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genroute_ratelimit_rejected_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),
	}
	reg.MustRegister(
		m.DecisionsTotal, m.DecisionLatency, m.CostEUR, m.DirectiveState,
		m.SpendEUR, m.FeedbackIngested, m.RegressionsTotal,
		m.CycleDuration, m.CycleSamples, m.RateLimitRejected,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
