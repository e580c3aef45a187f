package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// family: the classified family (e.g., "checkout_completed", "unhandled")
	// status: "success", "skipped" or "error"
	RecordWebhookEvent(provider, family, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, family string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "upstream_unavailable", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordAccountRefresh records an on-demand account status refresh.
	// status: "success" or "error"
	RecordAccountRefresh(provider, status string)

	// RecordAccountRefreshDuration records how long a refresh took.
	RecordAccountRefreshDuration(provider string, duration time.Duration)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/checkout/sessions")
	// status: "success", "error" or a short failure reason
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAccountRefresh(_, _ string)                             {}
func (n *NoopMetrics) RecordAccountRefreshDuration(_ string, _ time.Duration)       {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
