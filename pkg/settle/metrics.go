package settle

import "time"

// Metrics defines the interface for tracking reconciliation outcomes.
type Metrics interface {
	// RecordOrderMaterialized records an order upsert and the status it settled on.
	RecordOrderMaterialized(status OrderStatus)

	// RecordTierChange records a subscription tier change.
	RecordTierChange(fromTier, toTier Tier)

	// RecordOnboardingTransition records an onboarding status change.
	RecordOnboardingTransition(from, to OnboardingStatus)

	// RecordFeeFallback records a checkout that used the default fee rate.
	RecordFeeFallback(reason string)

	// RecordSkippedEvent records an event acknowledged without mutation.
	// reason: "correlation_missing", "unknown_account", "stale", "duplicate"
	RecordSkippedEvent(family, reason string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordOrderMaterialized(_ OrderStatus)                     {}
func (n *NoopMetrics) RecordTierChange(_, _ Tier)                                {}
func (n *NoopMetrics) RecordOnboardingTransition(_, _ OnboardingStatus)          {}
func (n *NoopMetrics) RecordFeeFallback(_ string)                                {}
func (n *NoopMetrics) RecordSkippedEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
