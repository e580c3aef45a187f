package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// WebhookEvent describes a webhook that changed local state.
// It is passed to the WebhookCallback after storage was updated.
type WebhookEvent struct {
	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID and EventType are provider-specific
	EventID   string
	EventType string

	// Family is the classified event family
	Family string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// AccountID is the local account the event applied to
	AccountID string

	// Set for subscription lifecycle events
	PreviousTier settle.Tier
	NewTier      settle.Tier

	// Set for account status events
	OnboardingStatus settle.OnboardingStatus

	// Set for checkout completion events
	Order *settle.Order
}

// WebhookCallback is invoked after a webhook event was reconciled.
// Errors are logged and do not affect the acknowledgment.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error
