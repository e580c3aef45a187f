package api

import (
	"time"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// CheckoutRequest is the body of POST /api/checkout
type CheckoutRequest struct {
	Offer   string `json:"offer" validate:"required,max=200,printascii"`
	Package string `json:"package" validate:"required,max=100,printascii"`
}

// URLResponse carries a redirect target for checkout or onboarding
type URLResponse struct {
	URL string `json:"url"`
}

// StatusResponse reports a seller's onboarding status
type StatusResponse struct {
	Status settle.OnboardingStatus `json:"status"`
}

// OrderResponse is the public view of an order
type OrderResponse struct {
	ID                string                   `json:"id"`
	CheckoutSessionID string                   `json:"checkout_session_id"`
	SellerID          string                   `json:"seller_id"`
	BuyerID           string                   `json:"buyer_id,omitempty"`
	OfferID           string                   `json:"offer_id"`
	PackageID         string                   `json:"package_id"`
	AmountTotal       int64                    `json:"amount_total"`
	Currency          string                   `json:"currency"`
	PlatformFeeAmount int64                    `json:"platform_fee_amount"`
	Status            settle.OrderStatus       `json:"status"`
	FulfillmentStatus settle.FulfillmentStatus `json:"fulfillment_status"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// ErrorResponse is written for every non-2xx answer unless Config.OnError is set
type ErrorResponse struct {
	Error   string `json:"error"`             // machine-readable code, e.g. "seller_not_ready"
	Message string `json:"message,omitempty"` // human-readable detail
}

func newOrderResponse(o *settle.Order) OrderResponse {
	return OrderResponse{
		ID:                o.ID,
		CheckoutSessionID: o.CheckoutSessionID,
		SellerID:          o.SellerID,
		BuyerID:           o.BuyerID,
		OfferID:           o.OfferID,
		PackageID:         o.PackageID,
		AmountTotal:       o.AmountTotal,
		Currency:          o.Currency,
		PlatformFeeAmount: o.PlatformFeeAmount,
		Status:            o.Status,
		FulfillmentStatus: o.FulfillmentStatus,
		UpdatedAt:         o.UpdatedAt,
	}
}
