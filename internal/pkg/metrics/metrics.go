package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the sweep, the drain and payment reconciliation
var (
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelpass_transitions_total",
			Help: "Subscriber status transitions applied, by event",
		},
		[]string{"event"},
	)

	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelpass_transition_conflicts_total",
			Help: "Conditional status updates that matched no row, by event",
		},
		[]string{"event"},
	)

	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelpass_gateway_calls_total",
			Help: "External API operations run through the retry executor, by operation and result",
		},
		[]string{"operation", "result"},
	)

	FailedOperationsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelpass_failed_operations_queued_total",
			Help: "Critical side effects pushed to the failed-operation queue, by action",
		},
		[]string{"action"},
	)

	DrainOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelpass_drain_outcomes_total",
			Help: "Failed-operation drain results, by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	SweepProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelpass_sweep_processed_total",
			Help: "Subscribers handled by the sweep, by pass and outcome",
		},
		[]string{"pass", "outcome"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "channelpass_sweep_duration_seconds",
			Help:    "Duration of a full sweep run",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelpass_webhook_events_total",
			Help: "Payment webhook deliveries, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	WebhookProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "channelpass_webhook_processing_duration_seconds",
			Help:    "Duration of payment webhook processing",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TransitionsTotal)
		prometheus.MustRegister(ConflictsTotal)
		prometheus.MustRegister(GatewayCallsTotal)
		prometheus.MustRegister(FailedOperationsQueuedTotal)
		prometheus.MustRegister(DrainOutcomesTotal)
		prometheus.MustRegister(SweepProcessedTotal)
		prometheus.MustRegister(SweepDuration)
		prometheus.MustRegister(WebhookEventsTotal)
		prometheus.MustRegister(WebhookProcessingDuration)
	})
}
