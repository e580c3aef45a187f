package settle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SettlementStatus is the payment intent status as reported by the provider.
type SettlementStatus string

const (
	SettlementSucceeded SettlementStatus = "succeeded"
	SettlementCanceled  SettlementStatus = "canceled"
)

// Settlement is the authoritative money-movement record behind a checkout.
type Settlement struct {
	PaymentIntentID      string
	Status               SettlementStatus
	ApplicationFeeAmount int64
	Amount               int64
	Currency             string
}

// SettlementLookup fetches settlement detail from the payments provider.
type SettlementLookup interface {
	Settlement(ctx context.Context, paymentIntentID string) (*Settlement, error)
}

// CheckoutCompletion is a decoded checkout-completion event.
// SellerID, OfferID and PackageID come from metadata set when the session was created.
type CheckoutCompletion struct {
	EventID         string
	SessionID       string
	SellerID        string
	OfferID         string
	PackageID       string
	BuyerID         string
	BuyerEmail      string
	AmountTotal     int64
	Currency        string
	PaymentIntentID string

	// PaymentFailed is set for asynchronous payment failure notifications
	PaymentFailed bool
}

func (c *CheckoutCompletion) missingCorrelation() []string {
	var missing []string
	if c.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if c.SellerID == "" {
		missing = append(missing, "seller_id")
	}
	if c.OfferID == "" {
		missing = append(missing, "offer_id")
	}
	if c.PackageID == "" {
		missing = append(missing, "package_id")
	}
	return missing
}

// Materializer turns checkout completions into orders, one per checkout session.
type Materializer struct {
	storage     Storage
	settlements SettlementLookup
	fees        *FeeCalculator
	logger      Logger
	metrics     Metrics
	now         func() time.Time
}

// MaterializerConfig configures a Materializer.
type MaterializerConfig struct {
	Storage     Storage
	Settlements SettlementLookup

	// Fees is optional; when set, the applied fee is cross-checked against the seller's current rate.
	Fees *FeeCalculator

	Logger  Logger
	Metrics Metrics
}

// NewMaterializer creates a Materializer.
func NewMaterializer(config MaterializerConfig) (*Materializer, error) {
	if config.Storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Settlements == nil {
		return nil, fmt.Errorf("settlement lookup is required")
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Materializer{
		storage:     config.Storage,
		settlements: config.Settlements,
		fees:        config.Fees,
		logger:      config.Logger,
		metrics:     config.Metrics,
		now:         time.Now,
	}, nil
}

// Materialize upserts the order for c.SessionID.
//
// Returns ErrCorrelationMissing (wrapped) if required metadata is absent, and
// ErrUpstreamUnavailable (wrapped) if the payment intent cannot be fetched.
func (m *Materializer) Materialize(ctx context.Context, c CheckoutCompletion) (*Order, error) {
	if missing := c.missingCorrelation(); len(missing) > 0 {
		m.logger.Warn("checkout completion missing correlation metadata",
			F("event_id", c.EventID),
			F("session_id", c.SessionID),
			F("missing", strings.Join(missing, ",")))
		m.metrics.RecordSkippedEvent("checkout_completed", "correlation_missing")
		return nil, fmt.Errorf("%w: %s", ErrCorrelationMissing, strings.Join(missing, ","))
	}

	status := OrderPending
	var fee int64
	amount := c.AmountTotal
	currency := strings.ToLower(c.Currency)

	if c.PaymentIntentID != "" {
		settlement, err := m.settlements.Settlement(ctx, c.PaymentIntentID)
		if err != nil {
			m.logger.Error("failed to fetch payment intent",
				F("session_id", c.SessionID),
				F("payment_intent_id", c.PaymentIntentID),
				F("error", err))
			return nil, fmt.Errorf("%w: payment intent %s: %v", ErrUpstreamUnavailable, c.PaymentIntentID, err)
		}
		fee = settlement.ApplicationFeeAmount
		switch settlement.Status {
		case SettlementSucceeded:
			status = OrderPaid
		case SettlementCanceled:
			status = OrderFailed
		}
		if amount == 0 && settlement.Amount > 0 {
			amount = settlement.Amount
		}
		if currency == "" {
			currency = strings.ToLower(settlement.Currency)
		}
	}
	if c.PaymentFailed && status != OrderPaid {
		status = OrderFailed
	}

	if m.fees != nil && status == OrderPaid {
		expected, bps := m.fees.PlatformFee(ctx, c.SellerID, amount)
		if expected != fee {
			m.logger.Warn("fee drift between current rate and settled fee",
				F("session_id", c.SessionID),
				F("seller_id", c.SellerID),
				F("settled_fee", fee),
				F("expected_fee", expected),
				F("current_bps", bps))
		}
	}

	now := m.now().UTC()
	order, err := m.storage.UpsertOrder(ctx, &Order{
		ID:                uuid.NewString(),
		CheckoutSessionID: c.SessionID,
		PaymentIntentID:   c.PaymentIntentID,
		BuyerID:           c.BuyerID,
		BuyerEmail:        c.BuyerEmail,
		SellerID:          c.SellerID,
		OfferID:           c.OfferID,
		PackageID:         c.PackageID,
		AmountTotal:       amount,
		Currency:          currency,
		PlatformFeeAmount: fee,
		Status:            status,
		FulfillmentStatus: FulfillmentUnfulfilled,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert order: %w", err)
	}

	if order.Status != status {
		m.logger.Info("kept higher-ranked order status on redelivery",
			F("session_id", c.SessionID),
			F("stored_status", order.Status),
			F("observed_status", status))
	}
	m.metrics.RecordOrderMaterialized(order.Status)
	return order, nil
}
