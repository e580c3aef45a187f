package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// Provider is the generic interface that a payments backend must implement.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// Verification, classification and reconciliation happen inside it.
	WebhookHandler() http.Handler

	// RefreshAccount re-reads the seller's connected account from the provider
	// and applies the resolved onboarding status (forward-only).
	RefreshAccount(ctx context.Context, accountID string) (settle.OnboardingStatus, error)
}

// CheckoutRequest identifies what a buyer wants to purchase.
type CheckoutRequest struct {
	OfferSlug  string
	PackageID  string
	BuyerID    string
	BuyerEmail string
}

// CheckoutInitiator starts hosted checkout sessions for marketplace purchases.
type CheckoutInitiator interface {
	// CheckoutURL returns the redirect URL of a new checkout session.
	CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error)
}

// ConnectInitiator starts seller onboarding with the provider.
type ConnectInitiator interface {
	// OnboardingURL returns a single-use onboarding link for accountID,
	// creating and linking the external account on first use.
	OnboardingURL(ctx context.Context, accountID, email string) (string, error)
}
