package settle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubscriptionChange is a decoded subscription lifecycle event.
type SubscriptionChange struct {
	EventID        string
	EventType      string
	AccountID      string
	SubscriptionID string

	// ExternalStatus is the provider's subscription status string
	ExternalStatus string

	ProductID        string
	PriceID          string
	CurrentPeriodEnd *time.Time
	OccurredAt       time.Time
}

// MapSubscriptionStatus maps a provider subscription status to the internal bucket.
// Both terminal-failure variants of each family collapse into one bucket.
func MapSubscriptionStatus(external string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(external)) {
	case "active":
		return SubscriptionActive
	case "trialing":
		return SubscriptionTrialing
	case "past_due", "unpaid", "paused":
		return SubscriptionPastDue
	case "incomplete", "incomplete_expired":
		return SubscriptionIncomplete
	case "canceled":
		return SubscriptionCanceled
	default:
		return SubscriptionNone
	}
}

// TierChangeCallback is invoked after a reconciliation changed an account's tier.
type TierChangeCallback func(ctx context.Context, change SubscriptionChange, previous, current Tier)

// SubscriptionReconciler applies subscription lifecycle events to accounts.
type SubscriptionReconciler struct {
	storage      Storage
	productTiers map[string]Tier
	onTierChange TierChangeCallback
	logger       Logger
	metrics      Metrics
	now          func() time.Time
}

// SubscriptionReconcilerConfig configures a SubscriptionReconciler.
type SubscriptionReconcilerConfig struct {
	Storage Storage

	// ProductTiers maps provider product ids (or price ids) to tiers.
	// Keys are matched case-insensitively.
	ProductTiers map[string]Tier

	// OnTierChange is optional.
	OnTierChange TierChangeCallback

	Logger  Logger
	Metrics Metrics
}

// NewSubscriptionReconciler creates a SubscriptionReconciler.
func NewSubscriptionReconciler(config SubscriptionReconcilerConfig) (*SubscriptionReconciler, error) {
	if config.Storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	tiers := make(map[string]Tier, len(config.ProductTiers))
	for k, v := range config.ProductTiers {
		if !v.Valid() {
			return nil, fmt.Errorf("invalid tier %q for product %q", v, k)
		}
		tiers[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return &SubscriptionReconciler{
		storage:      config.Storage,
		productTiers: tiers,
		onTierChange: config.OnTierChange,
		logger:       config.Logger,
		metrics:      config.Metrics,
		now:          time.Now,
	}, nil
}

// TargetTier returns the tier an account should hold for the given status and product.
// The bool is false when a paying status references an unknown product.
func (r *SubscriptionReconciler) TargetTier(status SubscriptionStatus, productID, priceID string) (Tier, bool) {
	if !status.Paying() {
		return TierFree, true
	}
	for _, key := range []string{productID, priceID} {
		if key == "" {
			continue
		}
		if tier, ok := r.productTiers[strings.ToLower(strings.TrimSpace(key))]; ok {
			return tier, true
		}
	}
	return TierFree, false
}

// Reconcile applies c to its owning account and records an audit row keyed by c.EventID.
//
// Returns ErrCorrelationMissing (wrapped) if the owning account id is absent.
// Redelivery of the same event is a no-op beyond an identical overwrite.
func (r *SubscriptionReconciler) Reconcile(ctx context.Context, c SubscriptionChange) error {
	if c.AccountID == "" {
		r.logger.Warn("subscription event missing account metadata",
			F("event_id", c.EventID),
			F("subscription_id", c.SubscriptionID))
		r.metrics.RecordSkippedEvent("subscription_lifecycle", "correlation_missing")
		return fmt.Errorf("%w: account_id", ErrCorrelationMissing)
	}
	if c.EventID == "" {
		return fmt.Errorf("%w: event id", ErrCorrelationMissing)
	}

	status := MapSubscriptionStatus(c.ExternalStatus)
	tier, known := r.TargetTier(status, c.ProductID, c.PriceID)
	if !known {
		r.logger.Warn("subscription references unknown product, falling back to free tier",
			F("event_id", c.EventID),
			F("account_id", c.AccountID),
			F("product_id", c.ProductID),
			F("price_id", c.PriceID))
	}

	eventAt := c.OccurredAt
	if eventAt.IsZero() {
		eventAt = r.now()
	}
	previous, applied, err := r.storage.UpdateSubscription(ctx, c.AccountID, SubscriptionState{
		Tier:             tier,
		Status:           status,
		ExternalID:       c.SubscriptionID,
		CurrentPeriodEnd: c.CurrentPeriodEnd,
		EventAt:          eventAt.UTC(),
		EventID:          c.EventID,
	})
	if errors.Is(err, ErrAccountNotFound) {
		r.logger.Warn("subscription event for unknown account",
			F("event_id", c.EventID),
			F("account_id", c.AccountID))
		r.metrics.RecordSkippedEvent("subscription_lifecycle", "unknown_account")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if !applied {
		r.logger.Info("skipping stale subscription event",
			F("event_id", c.EventID),
			F("account_id", c.AccountID),
			F("event_at", eventAt))
		r.metrics.RecordSkippedEvent("subscription_lifecycle", "stale")
		return nil
	}

	err = r.storage.InsertSubscriptionAudit(ctx, &SubscriptionAuditEvent{
		ID:                     uuid.NewString(),
		AccountID:              c.AccountID,
		ExternalEventID:        c.EventID,
		SubscriptionExternalID: c.SubscriptionID,
		PreviousTier:           previous,
		NewTier:                tier,
		ExternalStatus:         c.ExternalStatus,
		Status:                 status,
		ProductID:              c.ProductID,
		CreatedAt:              r.now().UTC(),
	})
	if errors.Is(err, ErrDuplicateEvent) {
		r.logger.Debug("subscription event already processed", F("event_id", c.EventID))
		r.metrics.RecordSkippedEvent("subscription_lifecycle", "duplicate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert subscription audit: %w", err)
	}

	if previous != tier {
		r.logger.Info("subscription tier changed",
			F("account_id", c.AccountID),
			F("from_tier", previous),
			F("to_tier", tier),
			F("status", status))
		r.metrics.RecordTierChange(previous, tier)
		if r.onTierChange != nil {
			r.onTierChange(ctx, c, previous, tier)
		}
	}
	return nil
}
