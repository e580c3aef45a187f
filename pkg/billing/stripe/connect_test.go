package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosettle/pkg/settle"
	"github.com/mihaimyh/gosettle/storage/memory"
)

func TestOnboardingURL_CreatesAndLinksOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	url, err := env.provider.OnboardingURL(ctx, testSellerID, "seller@example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://connect.stripe.test/setup/"+testExternalID, url)

	require.Len(t, env.api.accountParams, 1)
	params := env.api.accountParams[0]
	assert.Equal(t, string(stripe.AccountTypeExpress), stripe.StringValue(params.Type))
	assert.Equal(t, "US", stripe.StringValue(params.Country))
	assert.Equal(t, "connect-account-"+testSellerID+"-0", stripe.StringValue(params.IdempotencyKey))
	assert.Equal(t, testSellerID, params.Metadata["account_id"])

	acct, err := env.store.GetAccount(ctx, testSellerID)
	require.NoError(t, err)
	assert.Equal(t, testExternalID, acct.ExternalAccountID)
	assert.Equal(t, settle.OnboardingPending, acct.OnboardingStatus)

	_, err = env.provider.OnboardingURL(ctx, testSellerID, "seller@example.com")
	require.NoError(t, err)
	assert.Len(t, env.api.accountParams, 1, "linked accounts only get a fresh link")
	assert.Len(t, env.api.linkParams, 2)
	assert.Equal(t, "account_onboarding", stripe.StringValue(env.api.linkParams[1].Type))
	assert.Equal(t, "https://market.test/connect/return", stripe.StringValue(env.api.linkParams[1].ReturnURL))
}

func TestOnboardingURL_AfterResetCreatesNewAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	onboarding, err := settle.NewOnboarding(env.store, nil, nil)
	require.NoError(t, err)

	_, err = env.provider.OnboardingURL(ctx, testSellerID, "seller@example.com")
	require.NoError(t, err)
	require.NoError(t, onboarding.Reset(ctx, testSellerID))
	url, err := env.provider.OnboardingURL(ctx, testSellerID, "seller@example.com")
	require.NoError(t, err)

	require.Len(t, env.api.accountParams, 2)
	first := stripe.StringValue(env.api.accountParams[0].IdempotencyKey)
	second := stripe.StringValue(env.api.accountParams[1].IdempotencyKey)
	assert.NotEqual(t, first, second)

	acct, err := env.store.GetAccount(ctx, testSellerID)
	require.NoError(t, err)
	assert.NotEqual(t, testExternalID, acct.ExternalAccountID)
	assert.Equal(t, settle.OnboardingPending, acct.OnboardingStatus)
	assert.Equal(t, "https://connect.stripe.test/setup/"+acct.ExternalAccountID, url)

	_, err = env.store.GetAccountByExternalID(ctx, testExternalID)
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)
}

type failingLinkStorage struct {
	*memory.Storage
}

func (s *failingLinkStorage) LinkExternalAccount(context.Context, string, string) error {
	return errors.New("connection reset by peer")
}

func TestOnboardingURL_PartialFailure(t *testing.T) {
	api := newFakeAPI()
	store := &failingLinkStorage{Storage: memory.New()}
	provider, err := NewProvider(Config{
		Config: billingConfig(store),
		API:    api,
	})
	require.NoError(t, err)

	_, err = provider.OnboardingURL(context.Background(), testSellerID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, settle.ErrPartialFailure)

	var pf *settle.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, testExternalID, pf.ExternalID)
	assert.Equal(t, testSellerID, pf.AccountID)
	assert.Empty(t, api.linkParams)
}

func TestOnboardingURL_AccountCreationFails(t *testing.T) {
	env := newTestEnv(t)
	env.api.failAccounts = true

	_, err := env.provider.OnboardingURL(context.Background(), testSellerID, "")
	assert.ErrorIs(t, err, settle.ErrUpstreamUnavailable)
	assert.False(t, errors.Is(err, settle.ErrPartialFailure))

	acct, err := env.store.GetAccount(context.Background(), testSellerID)
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingNotConnected, acct.OnboardingStatus)
}

func TestRefreshAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	status, err := env.provider.RefreshAccount(ctx, testSellerID)
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)
	assert.Empty(t, status)

	env.store.PutAccount(&settle.Account{ID: testSellerID, OnboardingStatus: settle.OnboardingNotConnected, Tier: settle.TierFree})
	status, err = env.provider.RefreshAccount(ctx, testSellerID)
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingNotConnected, status)

	env.seedSeller(settle.OnboardingPending, settle.TierFree)
	env.api.accounts[testExternalID] = &stripe.Account{ID: testExternalID, ChargesEnabled: true, PayoutsEnabled: true}
	status, err = env.provider.RefreshAccount(ctx, testSellerID)
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingComplete, status)

	env.api.accounts[testExternalID] = &stripe.Account{ID: testExternalID}
	status, err = env.provider.RefreshAccount(ctx, testSellerID)
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingComplete, status, "refresh never regresses onboarding")

	env.api.failAccounts = true
	_, err = env.provider.RefreshAccount(ctx, testSellerID)
	assert.ErrorIs(t, err, settle.ErrUpstreamUnavailable)
}
