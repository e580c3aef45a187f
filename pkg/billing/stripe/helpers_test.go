package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gosettle/pkg/billing"
	"github.com/mihaimyh/gosettle/pkg/settle"
	"github.com/mihaimyh/gosettle/storage/memory"
)

const (
	testSecret      = "whsec_test_primary"
	testOtherSecret = "whsec_test_connect"
	testSellerID    = "seller_1"
	testExternalID  = "acct_1Seller"
)

var errFakeStripe = errors.New("stripe: 503 service unavailable")

type fakeAPI struct {
	mu sync.Mutex

	sessionParams  []*stripe.CheckoutSessionCreateParams
	accountParams  []*stripe.AccountCreateParams
	linkParams     []*stripe.AccountLinkCreateParams
	paymentIntents map[string]*stripe.PaymentIntent
	accounts       map[string]*stripe.Account

	// accountsByKey replays account creation per idempotency key
	accountsByKey map[string]*stripe.Account

	failPaymentIntents bool
	failAccounts       bool
	failSessions       bool
	failLinks          bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		paymentIntents: make(map[string]*stripe.PaymentIntent),
		accounts:       make(map[string]*stripe.Account),
		accountsByKey:  make(map[string]*stripe.Account),
	}
}

func (f *fakeAPI) CreateCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSessions {
		return nil, errFakeStripe
	}
	f.sessionParams = append(f.sessionParams, params)
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/c/cs_test_1"}, nil
}

func (f *fakeAPI) GetPaymentIntent(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPaymentIntents {
		return nil, errFakeStripe
	}
	pi, ok := f.paymentIntents[id]
	if !ok {
		return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusProcessing}, nil
	}
	return pi, nil
}

func (f *fakeAPI) CreateAccount(_ context.Context, params *stripe.AccountCreateParams) (*stripe.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAccounts {
		return nil, errFakeStripe
	}
	f.accountParams = append(f.accountParams, params)
	key := stripe.StringValue(params.IdempotencyKey)
	if acct, ok := f.accountsByKey[key]; ok && key != "" {
		return acct, nil
	}
	id := testExternalID
	if n := len(f.accountsByKey); n > 0 {
		id = fmt.Sprintf("%s_%d", testExternalID, n+1)
	}
	acct := &stripe.Account{ID: id}
	f.accounts[acct.ID] = acct
	f.accountsByKey[key] = acct
	return acct, nil
}

func (f *fakeAPI) GetAccount(_ context.Context, id string) (*stripe.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAccounts {
		return nil, errFakeStripe
	}
	acct, ok := f.accounts[id]
	if !ok {
		return nil, errors.New("no such account")
	}
	return acct, nil
}

func (f *fakeAPI) CreateAccountLink(
	_ context.Context, params *stripe.AccountLinkCreateParams,
) (*stripe.AccountLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLinks {
		return nil, errFakeStripe
	}
	f.linkParams = append(f.linkParams, params)
	return &stripe.AccountLink{URL: "https://connect.stripe.test/setup/" + stripe.StringValue(params.Account)}, nil
}

type testEnv struct {
	provider *Provider
	store    *memory.Storage
	api      *fakeAPI

	mu     sync.Mutex
	events []billing.WebhookEvent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: memory.New(), api: newFakeAPI()}
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Storage: env.store,
			Catalog: env.store,
			ProductTiers: map[string]settle.Tier{
				"prod_pro":      settle.TierPro,
				"prod_business": settle.TierBusiness,
			},
			OnWebhook: func(_ context.Context, ev billing.WebhookEvent) error {
				env.mu.Lock()
				defer env.mu.Unlock()
				env.events = append(env.events, ev)
				return nil
			},
		},
		API:               env.api,
		WebhookSecrets:    []string{testSecret, testOtherSecret},
		SuccessURL:        "https://market.test/success",
		CancelURL:         "https://market.test/cancel",
		ConnectReturnURL:  "https://market.test/connect/return",
		ConnectRefreshURL: "https://market.test/connect/refresh",
	})
	require.NoError(t, err)
	env.provider = provider
	return env
}

// seedSeller creates a linked seller at the given onboarding status and tier.
func (e *testEnv) seedSeller(status settle.OnboardingStatus, tier settle.Tier) {
	now := time.Now().UTC()
	e.store.PutAccount(&settle.Account{
		ID:                 testSellerID,
		Email:              "seller@example.com",
		ExternalAccountID:  testExternalID,
		OnboardingStatus:   status,
		Tier:               tier,
		SubscriptionStatus: settle.SubscriptionNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

func eventPayload(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"livemode":    false,
		"api_version": stripe.APIVersion,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func signedRequest(payload []byte, secret string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func (e *testEnv) deliver(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.provider.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) webhookAck {
	t.Helper()
	var ack webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	return ack
}

func billingConfig(store settle.Storage) billing.Config {
	return billing.Config{Storage: store}
}
