package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosettle/pkg/billing"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

// CheckoutURL creates a payment-mode Checkout Session for one package of an offer and returns its URL.
// The charge is routed to the seller's connected account minus the platform fee. Every identifier
// the completion webhook needs is attached as metadata; no other server-side state is kept.
//
// Returns settle.ErrOfferNotFound, settle.ErrSellerNotConnected or settle.ErrSellerNotReady
// for catalog and seller problems, and settle.ErrUpstreamUnavailable (wrapped) if Stripe fails.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	if p.catalog == nil {
		return "", fmt.Errorf("%w: catalog", billing.ErrProviderNotConfigured)
	}

	pkg, err := p.catalog.GetPackage(ctx, req.OfferSlug, req.PackageID)
	if err != nil {
		return "", err
	}

	seller, err := p.storage.GetAccount(ctx, pkg.SellerID)
	if errors.Is(err, settle.ErrAccountNotFound) {
		return "", settle.ErrSellerNotConnected
	}
	if err != nil {
		return "", fmt.Errorf("failed to load seller: %w", err)
	}
	if seller.ExternalAccountID == "" {
		return "", settle.ErrSellerNotConnected
	}
	if seller.OnboardingStatus != settle.OnboardingComplete {
		return "", settle.ErrSellerNotReady
	}

	fee, bps := p.fees.PlatformFee(ctx, seller.ID, pkg.PriceMinor)

	metadata := map[string]string{
		metadataSellerID:  seller.ID,
		metadataOfferID:   pkg.OfferID,
		metadataPackageID: pkg.ID,
	}
	if req.BuyerID != "" {
		metadata[metadataBuyerID] = req.BuyerID
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(pkg.Currency)),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(pkg.Title),
					},
					UnitAmount: stripe.Int64(pkg.PriceMinor),
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			ApplicationFeeAmount: stripe.Int64(fee),
			TransferData: &stripe.CheckoutSessionCreatePaymentIntentDataTransferDataParams{
				Destination: stripe.String(seller.ExternalAccountID),
			},
			Metadata: metadata,
		},
		SuccessURL: stripe.String(p.config.SuccessURL),
		CancelURL:  stripe.String(p.config.CancelURL),
		Metadata:   metadata,
	}
	if req.BuyerID != "" {
		params.ClientReferenceID = stripe.String(req.BuyerID)
	}
	if req.BuyerEmail != "" {
		params.CustomerEmail = stripe.String(req.BuyerEmail)
	}

	startTime := time.Now()
	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.logger.Error("failed to create checkout session",
			settle.F("seller_id", seller.ID),
			settle.F("offer_id", pkg.OfferID),
			settle.F("error", err))
		return "", fmt.Errorf("%w: create checkout session: %v", settle.ErrUpstreamUnavailable, err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")

	p.logger.Info("checkout session created",
		settle.F("session_id", session.ID),
		settle.F("seller_id", seller.ID),
		settle.F("offer_id", pkg.OfferID),
		settle.F("package_id", pkg.ID),
		settle.F("amount", pkg.PriceMinor),
		settle.F("platform_fee", fee),
		settle.F("fee_bps", bps))
	return session.URL, nil
}
