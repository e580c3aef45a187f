package billing

import (
	"net/http"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Storage holds accounts, orders and subscription audit rows (required)
	Storage settle.Storage

	// Catalog resolves offer packages for checkout. Required for checkout initiation.
	Catalog settle.Catalog

	// ProductTiers maps provider product or price ids to subscription tiers.
	// For example: map[string]settle.Tier{"prod_pro": settle.TierPro}
	ProductTiers map[string]settle.Tier

	// FeeRates overrides the per-seller fee rate lookup.
	// If nil, rates are derived from the seller's tier.
	FeeRates settle.FeeRates

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// OnWebhook is called after an event was reconciled successfully. Optional.
	OnWebhook WebhookCallback

	// Logger receives structured logs. If nil, logs are discarded.
	Logger settle.Logger

	// Metrics is an optional metrics collector for provider operations.
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// SettleMetrics is an optional collector for reconciliation outcomes.
	SettleMetrics settle.Metrics
}
