package stripe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosettle/pkg/billing"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

// Family groups webhook event types that are reconciled the same way.
type Family string

const (
	FamilyAccountStatus         Family = "account_status"
	FamilyCheckoutCompleted     Family = "checkout_completed"
	FamilySubscriptionLifecycle Family = "subscription_lifecycle"
	FamilyUnhandled             Family = "unhandled"
)

const (
	eventCheckoutAsyncFailed = "checkout.session.async_payment_failed"
	thinEventPrefix          = "v2."
)

var eventFamilies = map[string]Family{
	"account.updated":                       FamilyAccountStatus,
	"v2.core.account.updated":               FamilyAccountStatus,
	"v2.core.account[requirements].updated": FamilyAccountStatus,

	"v2.core.account[configuration.merchant].capability_status_updated": FamilyAccountStatus,

	"checkout.session.completed":               FamilyCheckoutCompleted,
	"checkout.session.async_payment_succeeded": FamilyCheckoutCompleted,
	eventCheckoutAsyncFailed:                   FamilyCheckoutCompleted,

	"customer.subscription.created": FamilySubscriptionLifecycle,
	"customer.subscription.updated": FamilySubscriptionLifecycle,
	"customer.subscription.deleted": FamilySubscriptionLifecycle,
	"customer.subscription.paused":  FamilySubscriptionLifecycle,
	"customer.subscription.resumed": FamilySubscriptionLifecycle,
}

var familyPrefixes = []struct {
	prefix string
	family Family
}{
	{"v2.core.account", FamilyAccountStatus},
	{"account.", FamilyAccountStatus},
	{"checkout.session.", FamilyCheckoutCompleted},
	{"customer.subscription.", FamilySubscriptionLifecycle},
}

// Classify maps an event type to its family. Matching is exact; anything else is FamilyUnhandled.
func Classify(eventType string) Family {
	if f, ok := eventFamilies[eventType]; ok {
		return f
	}
	return FamilyUnhandled
}

// ResemblesKnownFamily reports the family an unhandled event type looks like it belongs to,
// so new synonyms introduced by the provider surface in logs instead of being dropped silently.
func ResemblesKnownFamily(eventType string) (Family, bool) {
	if Classify(eventType) != FamilyUnhandled {
		return "", false
	}
	for _, p := range familyPrefixes {
		if strings.HasPrefix(eventType, p.prefix) {
			return p.family, true
		}
	}
	return "", false
}

// accountUpdate is the decoded payload of an account status event.
// Capabilities is nil for thin events, which only reference the account.
type accountUpdate struct {
	ExternalAccountID string
	Capabilities      *settle.Capabilities
}

func decodeAccountUpdate(ev *Event) (*accountUpdate, error) {
	if strings.HasPrefix(ev.Type, thinEventPrefix) {
		if ev.RelatedObjectID == "" {
			return nil, fmt.Errorf("%w: thin event without related object", billing.ErrInvalidWebhookPayload)
		}
		return &accountUpdate{ExternalAccountID: ev.RelatedObjectID}, nil
	}

	var acct stripe.Account
	if err := unmarshalObject(ev, &acct); err != nil {
		return nil, err
	}
	if acct.ID == "" {
		return nil, fmt.Errorf("%w: account without id", billing.ErrInvalidWebhookPayload)
	}
	caps := capabilitiesOf(&acct)
	return &accountUpdate{ExternalAccountID: acct.ID, Capabilities: &caps}, nil
}

func decodeCheckoutCompletion(ev *Event) (*settle.CheckoutCompletion, error) {
	var session stripe.CheckoutSession
	if err := unmarshalObject(ev, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", billing.ErrInvalidWebhookPayload)
	}

	md := session.Metadata
	c := &settle.CheckoutCompletion{
		EventID:       ev.ID,
		SessionID:     session.ID,
		SellerID:      md[metadataSellerID],
		OfferID:       md[metadataOfferID],
		PackageID:     md[metadataPackageID],
		BuyerID:       md[metadataBuyerID],
		BuyerEmail:    session.CustomerEmail,
		AmountTotal:   session.AmountTotal,
		Currency:      string(session.Currency),
		PaymentFailed: ev.Type == eventCheckoutAsyncFailed,
	}
	if c.BuyerID == "" {
		c.BuyerID = session.ClientReferenceID
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		c.BuyerEmail = session.CustomerDetails.Email
	}
	if session.PaymentIntent != nil {
		c.PaymentIntentID = session.PaymentIntent.ID
	}
	return c, nil
}

func decodeSubscriptionChange(ev *Event) (*settle.SubscriptionChange, error) {
	var sub stripe.Subscription
	if err := unmarshalObject(ev, &sub); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", billing.ErrInvalidWebhookPayload)
	}

	c := &settle.SubscriptionChange{
		EventID:        ev.ID,
		EventType:      ev.Type,
		AccountID:      sub.Metadata[metadataAccountID],
		SubscriptionID: sub.ID,
		ExternalStatus: string(sub.Status),
		OccurredAt:     ev.Created,
	}
	if c.AccountID == "" {
		c.AccountID = sub.Metadata[metadataLegacyUserID]
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			c.PriceID = item.Price.ID
			if item.Price.Product != nil {
				c.ProductID = item.Price.Product.ID
			}
		}
		if item.CurrentPeriodEnd > 0 {
			end := unixUTC(item.CurrentPeriodEnd)
			c.CurrentPeriodEnd = &end
		}
	}
	return c, nil
}

func unmarshalObject(ev *Event, v interface{}) error {
	if len(ev.Object) == 0 {
		return fmt.Errorf("%w: event %s has no data.object", billing.ErrInvalidWebhookPayload, ev.ID)
	}
	if err := json.Unmarshal(ev.Object, v); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}
