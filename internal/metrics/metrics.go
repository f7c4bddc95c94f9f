// Package metrics holds the broker's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Invocation metrics
	InvocationsTotal *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec

	// Guardrail metrics
	GuardrailTriggers *prometheus.CounterVec

	// Throttling metrics
	RateLimitRejections *prometheus.CounterVec
	InFlightRequests    prometheus.Gauge
}

// New creates and registers all broker metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_http_requests_total",
				Help: "Total HTTP requests by route and status class",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_http_request_duration_seconds",
				Help:    "HTTP request handling duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		InvocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_llm_invocations_total",
				Help: "Total LLM invocations by project, model and outcome",
			},
			[]string{"project_id", "model", "outcome"}, // outcome: success or a reason code
		),

		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_provider_latency_seconds",
				Help:    "Upstream provider call latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
			},
			[]string{"provider", "model"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_tokens_total",
				Help: "Tokens consumed by project and direction",
			},
			[]string{"project_id", "direction"}, // direction: prompt, completion
		),

		GuardrailTriggers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_guardrail_triggers_total",
				Help: "Guardrail rule triggers by rule and action",
			},
			[]string{"rule_id", "action", "content_type"},
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_rate_limit_rejections_total",
				Help: "Requests rejected by throttling",
			},
			[]string{"window"}, // window: minute, hour, concurrency
		),

		InFlightRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_in_flight_requests",
				Help: "Requests currently being processed",
			},
		),
	}
}
