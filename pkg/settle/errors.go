package settle

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned when an account cannot be found
	ErrAccountNotFound = errors.New("account not found")

	// ErrOrderNotFound is returned when an order cannot be found
	ErrOrderNotFound = errors.New("order not found")

	// ErrOfferNotFound is returned when an offer or package cannot be found
	ErrOfferNotFound = errors.New("offer or package not found")

	// ErrDuplicateEvent is returned by storage when an idempotency key was already recorded
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrCorrelationMissing is returned when an event lacks the metadata needed to find its local entity.
	// Webhook handlers acknowledge these events so the producer stops redelivering them.
	ErrCorrelationMissing = errors.New("correlation metadata missing")

	// ErrUpstreamUnavailable is returned when a secondary lookup against the payments provider fails.
	// Webhook handlers must not acknowledge these so the producer retries.
	ErrUpstreamUnavailable = errors.New("payments provider unavailable")

	// ErrPartialFailure is returned when an external resource was created but could not be persisted locally
	ErrPartialFailure = errors.New("external resource created but not persisted")

	// ErrSellerNotConnected is returned when a seller has no linked payment account
	ErrSellerNotConnected = errors.New("seller not connected")

	// ErrSellerNotReady is returned when a seller's onboarding is not complete
	ErrSellerNotReady = errors.New("seller not ready")

	// ErrInvalidTransition is returned when a requested state change is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// PartialFailureError reports an external resource that exists at the provider
// but whose identifier could not be stored. An operator must reconcile it by hand.
type PartialFailureError struct {
	AccountID  string
	ExternalID string
	Err        error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("external account %s created for %s but not persisted: %v", e.ExternalID, e.AccountID, e.Err)
}

// Unwrap lets errors.Is match both ErrPartialFailure and the underlying cause.
func (e *PartialFailureError) Unwrap() []error {
	return []error{ErrPartialFailure, e.Err}
}
