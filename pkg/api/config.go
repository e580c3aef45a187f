package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gosettle/pkg/billing"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

// AccountRefresher re-reads a seller's onboarding status from the payments provider.
type AccountRefresher interface {
	RefreshAccount(ctx context.Context, accountID string) (settle.OnboardingStatus, error)
}

// Config holds configuration for the marketplace API handler
type Config struct {
	// Checkout starts buyer checkout sessions (required)
	Checkout billing.CheckoutInitiator

	// Connect starts seller onboarding (required)
	Connect billing.ConnectInitiator

	// Refresher re-reads onboarding status on return from onboarding (required)
	Refresher AccountRefresher

	// Onboarding performs onboarding resets (required)
	Onboarding *settle.Onboarding

	// Storage is used for order fulfillment (required)
	Storage settle.Storage

	// GetUserID extracts the authenticated account id from the request (required).
	// Identity is established by upstream middleware; this package never authenticates.
	GetUserID func(*http.Request) string

	// GetUserEmail optionally extracts the caller's email, used to prefill
	// checkout and connected account creation.
	GetUserEmail func(*http.Request) string

	// GetOrderID extracts the order id from a delivery request.
	// If nil, the path segment before "/delivered" is used.
	GetOrderID func(*http.Request) string

	// OnError handles errors (auth, validation, internal, etc.)
	// If nil, a JSON ErrorResponse is written
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional
	Logger settle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch {
	case c.Checkout == nil:
		return fmt.Errorf("checkout initiator is required")
	case c.Connect == nil:
		return fmt.Errorf("connect initiator is required")
	case c.Refresher == nil:
		return fmt.Errorf("account refresher is required")
	case c.Onboarding == nil:
		return fmt.Errorf("onboarding is required")
	case c.Storage == nil:
		return fmt.Errorf("storage is required")
	case c.GetUserID == nil:
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &settle.NoopLogger{}
	}
	if config.GetOrderID == nil {
		config.GetOrderID = orderIDFromPath
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
