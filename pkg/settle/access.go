package settle

import (
	"context"
	"errors"
	"fmt"
)

// ErrTierRequired is returned when an account's subscription tier is below a route's minimum
var ErrTierRequired = errors.New("subscription tier too low")

// Rank orders tiers from free to business. Unknown tiers rank below free.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPro:
		return 1
	case TierBusiness:
		return 2
	default:
		return -1
	}
}

// Requirement is what an account must satisfy to reach a gated route.
type Requirement struct {
	// OnboardingComplete requires a linked account with charges and payouts enabled
	OnboardingComplete bool

	// MinTier is the lowest subscription tier allowed. Empty means any tier.
	MinTier Tier
}

// Check returns nil if acct satisfies r. A nil account is treated as a new,
// unconnected account on the free tier.
func (r Requirement) Check(acct *Account) error {
	if acct == nil {
		acct = &Account{OnboardingStatus: OnboardingNotConnected, Tier: TierFree}
	}
	if r.OnboardingComplete {
		if acct.ExternalAccountID == "" || acct.OnboardingStatus == OnboardingNotConnected {
			return ErrSellerNotConnected
		}
		if acct.OnboardingStatus != OnboardingComplete {
			return fmt.Errorf("%w: onboarding is %s", ErrSellerNotReady, acct.OnboardingStatus)
		}
	}
	if r.MinTier != "" && acct.Tier.Rank() < r.MinTier.Rank() {
		return fmt.Errorf("%w: %s required", ErrTierRequired, r.MinTier)
	}
	return nil
}

// Authorize loads accountID and checks it against r. A missing account is
// checked as a new one, so it fails any non-empty requirement.
func Authorize(ctx context.Context, storage Storage, accountID string, r Requirement) (*Account, error) {
	acct, err := storage.GetAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, r.Check(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if err := r.Check(acct); err != nil {
		return acct, err
	}
	return acct, nil
}

// AccessDenied reports whether err is a requirement failure rather than a storage error.
func AccessDenied(err error) bool {
	return errors.Is(err, ErrSellerNotConnected) ||
		errors.Is(err, ErrSellerNotReady) ||
		errors.Is(err, ErrTierRequired)
}

// DenialCode returns a stable machine-readable code for a requirement failure,
// or "" if err is not one.
func DenialCode(err error) string {
	switch {
	case errors.Is(err, ErrSellerNotConnected):
		return "seller_not_connected"
	case errors.Is(err, ErrSellerNotReady):
		return "seller_not_ready"
	case errors.Is(err, ErrTierRequired):
		return "tier_required"
	default:
		return ""
	}
}
