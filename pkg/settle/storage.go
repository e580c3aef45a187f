package settle

import (
	"context"
)

// Storage defines the interface for reconciliation persistence.
// Every mutating method is a single atomic write; idempotency is enforced here,
// not by callers, so concurrent deliveries of the same event converge.
type Storage interface {
	// GetAccount retrieves an account by id. Returns ErrAccountNotFound if missing.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// GetAccountByExternalID retrieves an account by its linked payment account id.
	// Returns ErrAccountNotFound if no account is linked to it.
	GetAccountByExternalID(ctx context.Context, externalAccountID string) (*Account, error)

	// EnsureAccount returns the account, creating it with defaults
	// (not_connected, free, none) if it does not exist yet.
	EnsureAccount(ctx context.Context, accountID, email string) (*Account, error)

	// LinkExternalAccount stores the external account id and sets onboarding to pending.
	// Returns ErrAccountNotFound if the account is missing.
	LinkExternalAccount(ctx context.Context, accountID, externalAccountID string) error

	// AdvanceOnboarding sets the onboarding status of the account linked to externalAccountID
	// only if status ranks above the stored one. Returns the account after the write
	// and the status it had before. Returns ErrAccountNotFound if no account is linked.
	AdvanceOnboarding(
		ctx context.Context, externalAccountID string, status OnboardingStatus,
	) (acct *Account, previous OnboardingStatus, err error)

	// ResetOnboarding clears the external account id, sets onboarding to not_connected
	// and increments OnboardingGeneration.
	ResetOnboarding(ctx context.Context, accountID string) error

	// UpdateSubscription writes tier, status, external id and period end in one step.
	// The write is skipped (applied=false) when the stored SubscriptionEventAt is newer than state.EventAt.
	// previous is the tier held before state.EventID was first applied, so a
	// redelivered event reports the same transition as its first delivery.
	UpdateSubscription(
		ctx context.Context, accountID string, state SubscriptionState,
	) (previous Tier, applied bool, err error)

	// InsertSubscriptionAudit inserts an audit row. Returns ErrDuplicateEvent
	// if a row with the same ExternalEventID exists.
	InsertSubscriptionAudit(ctx context.Context, event *SubscriptionAuditEvent) error

	// UpsertOrder inserts or merges an order keyed by CheckoutSessionID.
	// Status never moves to a lower rank; fields are only overwritten by an observation
	// of equal or higher rank; FulfillmentStatus is preserved. Returns the stored order.
	UpsertOrder(ctx context.Context, order *Order) (*Order, error)

	// GetOrderBySession retrieves an order by checkout session id. Returns ErrOrderNotFound if missing.
	GetOrderBySession(ctx context.Context, checkoutSessionID string) (*Order, error)

	// MarkOrderDelivered sets fulfillment to delivered for a paid order owned by sellerID.
	// Returns ErrOrderNotFound if no such order, ErrInvalidTransition if it is not paid.
	MarkOrderDelivered(ctx context.Context, sellerID, orderID string) (*Order, error)
}

// Catalog resolves purchasable packages. Offer management itself lives outside this module.
type Catalog interface {
	// GetPackage returns the package of the offer with the given slug.
	// Returns ErrOfferNotFound if either is missing.
	GetPackage(ctx context.Context, offerSlug, packageID string) (*Package, error)
}
