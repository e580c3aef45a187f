package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// Metrics implements settle.Metrics using Prometheus.
type Metrics struct {
	ordersMaterializedTotal    *prometheus.CounterVec
	tierChangesTotal           *prometheus.CounterVec
	onboardingTransitionsTotal *prometheus.CounterVec
	feeFallbacksTotal          *prometheus.CounterVec
	skippedEventsTotal         *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ordersMaterializedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_materialized_total",
			Help:      "Total number of order upserts from checkout completions, by resulting status.",
		}, []string{"status"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_tier_changes_total",
			Help:      "Total number of subscription tier changes.",
		}, []string{"from_tier", "to_tier"}),

		onboardingTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "onboarding_transitions_total",
			Help:      "Total number of seller onboarding status transitions.",
		}, []string{"from", "to"}),

		feeFallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_rate_fallbacks_total",
			Help:      "Total number of fee calculations that used the default rate.",
		}, []string{"reason"}),

		skippedEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Total number of events acknowledged without mutation.",
		}, []string{"family", "reason"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Duration of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of failed storage operations.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordOrderMaterialized(status settle.OrderStatus) {
	m.ordersMaterializedTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) RecordTierChange(fromTier, toTier settle.Tier) {
	m.tierChangesTotal.WithLabelValues(string(fromTier), string(toTier)).Inc()
}

func (m *Metrics) RecordOnboardingTransition(from, to settle.OnboardingStatus) {
	m.onboardingTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordFeeFallback(reason string) {
	m.feeFallbacksTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSkippedEvent(family, reason string) {
	m.skippedEventsTotal.WithLabelValues(family, reason).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
