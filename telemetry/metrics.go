package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callrouter_sessions_active",
			Help: "Number of live call sessions",
		},
	)

	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callrouter_events_dispatched_total",
			Help: "Inbound notifications routed through the dispatcher",
		},
		[]string{"kind", "matched"},
	)

	ActionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callrouter_action_outcomes_total",
			Help: "Final per-attempt outcomes of issued call actions",
		},
		[]string{"action", "outcome"},
	)

	TransferRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callrouter_transfer_retries_total",
			Help: "Transfer attempts beyond the first",
		},
	)

	ActionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callrouter_action_latency_seconds",
			Help:    "Measured latency between an issued action and its notification",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callrouter_webhook_requests_total",
			Help: "Inbound webhook requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		SessionsActive,
		EventsDispatched,
		ActionOutcomes,
		TransferRetries,
		ActionLatency,
		WebhookRequests,
		collectors.NewGoCollector(),
	)
}

// MetricsHandler serves the Prometheus scrape endpoint
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
