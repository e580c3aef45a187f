package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// API is the subset of the Stripe API the provider calls.
// Production code uses NewAPI; tests substitute a fake.
type API interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	CreateAccount(ctx context.Context, params *stripe.AccountCreateParams) (*stripe.Account, error)
	GetAccount(ctx context.Context, id string) (*stripe.Account, error)
	CreateAccountLink(ctx context.Context, params *stripe.AccountLinkCreateParams) (*stripe.AccountLink, error)
}

type sdkAPI struct {
	client *stripe.Client
}

// NewAPI returns an API backed by the stripe-go client.
// A nil httpClient uses the SDK default.
func NewAPI(apiKey string, httpClient *http.Client) (API, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe API key is required")
	}
	var opts []stripe.ClientOption
	if httpClient != nil {
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient: httpClient,
		})))
	}
	return &sdkAPI{client: stripe.NewClient(apiKey, opts...)}, nil
}

func (a *sdkAPI) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return a.client.V1CheckoutSessions.Create(ctx, params)
}

func (a *sdkAPI) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	return a.client.V1PaymentIntents.Retrieve(ctx, id, nil)
}

func (a *sdkAPI) CreateAccount(ctx context.Context, params *stripe.AccountCreateParams) (*stripe.Account, error) {
	return a.client.V1Accounts.Create(ctx, params)
}

func (a *sdkAPI) GetAccount(ctx context.Context, id string) (*stripe.Account, error) {
	return a.client.V1Accounts.GetByID(ctx, id, nil)
}

func (a *sdkAPI) CreateAccountLink(
	ctx context.Context, params *stripe.AccountLinkCreateParams,
) (*stripe.AccountLink, error) {
	return a.client.V1AccountLinks.Create(ctx, params)
}

// settlementLookup adapts API to settle.SettlementLookup.
type settlementLookup struct {
	api API
}

// NewSettlementLookup returns a settle.SettlementLookup that reads payment intents.
func NewSettlementLookup(api API) settle.SettlementLookup {
	return &settlementLookup{api: api}
}

func (l *settlementLookup) Settlement(ctx context.Context, paymentIntentID string) (*settle.Settlement, error) {
	pi, err := l.api.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	return &settle.Settlement{
		PaymentIntentID:      pi.ID,
		Status:               settle.SettlementStatus(pi.Status),
		ApplicationFeeAmount: pi.ApplicationFeeAmount,
		Amount:               pi.Amount,
		Currency:             string(pi.Currency),
	}, nil
}

func capabilitiesOf(acct *stripe.Account) settle.Capabilities {
	return settle.Capabilities{
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
	}
}
