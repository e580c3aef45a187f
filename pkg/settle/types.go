package settle

import (
	"time"
)

// OnboardingStatus is the locally cached summary of a seller's payout readiness.
type OnboardingStatus string

const (
	// OnboardingNotConnected means no external payment account is linked
	OnboardingNotConnected OnboardingStatus = "not_connected"
	// OnboardingPending means the external account exists but details are not submitted
	OnboardingPending OnboardingStatus = "pending"
	// OnboardingPendingVerification means details were submitted and the processor is verifying them
	OnboardingPendingVerification OnboardingStatus = "pending_verification"
	// OnboardingComplete means charges and payouts are both enabled
	OnboardingComplete OnboardingStatus = "complete"
)

// Rank orders onboarding states along the forward path. Unknown values rank below not_connected.
func (s OnboardingStatus) Rank() int {
	switch s {
	case OnboardingNotConnected:
		return 0
	case OnboardingPending:
		return 1
	case OnboardingPendingVerification:
		return 2
	case OnboardingComplete:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known onboarding states.
func (s OnboardingStatus) Valid() bool {
	return s.Rank() >= 0
}

// Tier is the subscription tier of an account.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierBusiness:
		return true
	}
	return false
}

// SubscriptionStatus is the internal subscription status bucket.
type SubscriptionStatus string

const (
	SubscriptionNone       SubscriptionStatus = "none"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
)

// Paying reports whether the status entitles the account to a paid tier.
func (s SubscriptionStatus) Paying() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// OrderStatus is the settlement status of an order.
type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderFailed  OrderStatus = "failed"
	OrderPaid    OrderStatus = "paid"
)

// Rank orders order statuses for the monotonic merge: pending < failed < paid.
// A stored order is only overwritten by an observation of equal or higher rank.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderPending:
		return 0
	case OrderFailed:
		return 1
	case OrderPaid:
		return 2
	default:
		return -1
	}
}

// FulfillmentStatus tracks seller delivery. Delivered is terminal.
type FulfillmentStatus string

const (
	FulfillmentUnfulfilled FulfillmentStatus = "unfulfilled"
	FulfillmentDelivered   FulfillmentStatus = "delivered"
)

// Account is a seller or buyer identity record.
// Onboarding and subscription fields are written only by the reconciliation layer.
type Account struct {
	ID    string
	Email string

	// ExternalAccountID is the connected payment account id. Empty means not linked.
	ExternalAccountID string
	OnboardingStatus  OnboardingStatus

	// OnboardingGeneration counts onboarding resets. Connected account creation
	// is keyed on it so a reset seller gets a new external account.
	OnboardingGeneration int64

	Tier                   Tier
	SubscriptionExternalID string
	SubscriptionStatus     SubscriptionStatus
	CurrentPeriodEnd       *time.Time

	// SubscriptionEventAt is the creation time of the last applied subscription event
	SubscriptionEventAt *time.Time

	// SubscriptionEventID is the last applied subscription event and
	// TierBeforeEvent the tier the account held before that event.
	SubscriptionEventID string
	TierBeforeEvent     Tier

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order is one committed buyer/seller transaction, unique per checkout session.
type Order struct {
	ID                string
	CheckoutSessionID string
	PaymentIntentID   string

	BuyerID    string
	BuyerEmail string
	SellerID   string
	OfferID    string
	PackageID  string

	AmountTotal       int64
	Currency          string
	PlatformFeeAmount int64

	Status            OrderStatus
	FulfillmentStatus FulfillmentStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubscriptionAuditEvent records one applied subscription lifecycle event.
// ExternalEventID is unique.
type SubscriptionAuditEvent struct {
	ID                     string
	AccountID              string
	ExternalEventID        string
	SubscriptionExternalID string
	PreviousTier           Tier
	NewTier                Tier
	ExternalStatus         string
	Status                 SubscriptionStatus
	ProductID              string
	CreatedAt              time.Time
}

// SubscriptionState is the set of account fields written by one subscription reconciliation.
type SubscriptionState struct {
	Tier             Tier
	Status           SubscriptionStatus
	ExternalID       string
	CurrentPeriodEnd *time.Time
	EventAt          time.Time

	// EventID identifies the event producing this state. Reapplying the
	// same event reports the tier held before its first application.
	EventID string
}

// Package is a purchasable offer package as seen by checkout.
type Package struct {
	ID         string
	OfferID    string
	OfferSlug  string
	SellerID   string
	Title      string
	PriceMinor int64
	Currency   string
}

// Capabilities are the external account flags the onboarding resolver consumes.
type Capabilities struct {
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
}
