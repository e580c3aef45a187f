package settle

import (
	"context"
	"errors"
	"fmt"
)

// ResolveOnboardingStatus derives the onboarding state from external capability flags.
// Complete requires both charges and payouts, regardless of detailsSubmitted.
func ResolveOnboardingStatus(chargesEnabled, payoutsEnabled, detailsSubmitted bool) OnboardingStatus {
	switch {
	case chargesEnabled && payoutsEnabled:
		return OnboardingComplete
	case detailsSubmitted:
		return OnboardingPendingVerification
	default:
		return OnboardingPending
	}
}

// Resolve applies ResolveOnboardingStatus to c.
func (c Capabilities) Resolve() OnboardingStatus {
	return ResolveOnboardingStatus(c.ChargesEnabled, c.PayoutsEnabled, c.DetailsSubmitted)
}

// CanAdvanceTo reports whether a webhook-derived update may move s to next.
// Only forward moves are allowed; reset is a separate operation.
func (s OnboardingStatus) CanAdvanceTo(next OnboardingStatus) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// Onboarding applies seller onboarding transitions.
type Onboarding struct {
	storage Storage
	logger  Logger
	metrics Metrics
}

// NewOnboarding creates an onboarding service. logger and metrics may be nil.
func NewOnboarding(storage Storage, logger Logger, metrics Metrics) (*Onboarding, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Onboarding{storage: storage, logger: logger, metrics: metrics}, nil
}

// ApplyCapabilities refreshes the onboarding status of the account linked to externalAccountID.
// An unknown external id is a no-op: the account may be deleted or its link not yet persisted.
// Returns the stored account after the write (nil for an unknown id); a resolved status
// lower than the stored one is ignored.
func (o *Onboarding) ApplyCapabilities(
	ctx context.Context, externalAccountID string, caps Capabilities,
) (*Account, error) {
	if externalAccountID == "" {
		return nil, fmt.Errorf("%w: external account id", ErrCorrelationMissing)
	}

	resolved := caps.Resolve()
	acct, previous, err := o.storage.AdvanceOnboarding(ctx, externalAccountID, resolved)
	if errors.Is(err, ErrAccountNotFound) {
		o.logger.Warn("account status event for unknown external account",
			F("external_account_id", externalAccountID),
			F("resolved_status", resolved))
		o.metrics.RecordSkippedEvent("account_status", "unknown_account")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to advance onboarding: %w", err)
	}

	if previous != acct.OnboardingStatus {
		o.logger.Info("onboarding status advanced",
			F("account_id", acct.ID),
			F("external_account_id", externalAccountID),
			F("status", acct.OnboardingStatus))
		o.metrics.RecordOnboardingTransition(previous, acct.OnboardingStatus)
	} else if acct.OnboardingStatus.Rank() > resolved.Rank() {
		o.logger.Debug("ignoring backward onboarding update",
			F("account_id", acct.ID),
			F("stored_status", acct.OnboardingStatus),
			F("resolved_status", resolved))
	}
	return acct, nil
}

// Reset returns the account to not_connected and clears its external account id.
// Tier, subscription and orders are untouched.
func (o *Onboarding) Reset(ctx context.Context, accountID string) error {
	acct, err := o.storage.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := o.storage.ResetOnboarding(ctx, accountID); err != nil {
		return fmt.Errorf("failed to reset onboarding: %w", err)
	}

	o.logger.Info("onboarding reset",
		F("account_id", accountID),
		F("previous_external_account_id", acct.ExternalAccountID),
		F("previous_status", acct.OnboardingStatus))
	if acct.OnboardingStatus != OnboardingNotConnected {
		o.metrics.RecordOnboardingTransition(acct.OnboardingStatus, OnboardingNotConnected)
	}
	return nil
}
