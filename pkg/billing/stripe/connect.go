package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosettle/pkg/billing"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

const accountLinkTypeOnboarding = "account_onboarding"

// OnboardingURL returns a hosted onboarding link for the seller. The first call creates an
// Express connected account and links it locally; later calls only issue a fresh link.
//
// If the connected account was created but linking it locally failed, a *settle.PartialFailureError
// carrying the external id is returned. Account creation uses an idempotency key derived from
// accountID and its onboarding generation: a retry within the key's lifetime returns the same
// external account, while a retry after a reset creates a new one.
func (p *Provider) OnboardingURL(ctx context.Context, accountID, email string) (string, error) {
	acct, err := p.storage.EnsureAccount(ctx, accountID, email)
	if err != nil {
		return "", fmt.Errorf("failed to load account: %w", err)
	}

	externalID := acct.ExternalAccountID
	if externalID == "" {
		externalID, err = p.createConnectedAccount(ctx, acct)
		if err != nil {
			return "", err
		}
		if err := p.storage.LinkExternalAccount(ctx, acct.ID, externalID); err != nil {
			pf := &settle.PartialFailureError{AccountID: acct.ID, ExternalID: externalID, Err: err}
			p.logger.Error("connected account created but not linked locally",
				settle.F("account_id", acct.ID),
				settle.F("external_account_id", externalID),
				settle.F("error", err))
			return "", pf
		}
		p.logger.Info("connected account linked",
			settle.F("account_id", acct.ID),
			settle.F("external_account_id", externalID))
	}

	params := &stripe.AccountLinkCreateParams{
		Account:    stripe.String(externalID),
		RefreshURL: stripe.String(p.config.ConnectRefreshURL),
		ReturnURL:  stripe.String(p.config.ConnectReturnURL),
		Type:       stripe.String(accountLinkTypeOnboarding),
	}
	startTime := time.Now()
	link, err := p.api.CreateAccountLink(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/account_links", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/account_links", "error")
		return "", fmt.Errorf("%w: create account link: %v", settle.ErrUpstreamUnavailable, err)
	}
	p.metrics.RecordAPICall(providerName, "/account_links", "success")
	return link.URL, nil
}

func (p *Provider) createConnectedAccount(ctx context.Context, acct *settle.Account) (string, error) {
	params := &stripe.AccountCreateParams{
		Type:    stripe.String(string(stripe.AccountTypeExpress)),
		Country: stripe.String(p.config.DefaultCountry),
		Capabilities: &stripe.AccountCreateCapabilitiesParams{
			CardPayments: &stripe.AccountCreateCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCreateCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if acct.Email != "" {
		params.Email = stripe.String(acct.Email)
	}
	params.AddMetadata(metadataAccountID, acct.ID)
	params.SetIdempotencyKey(connectAccountIdempotencyKey(acct))

	startTime := time.Now()
	created, err := p.api.CreateAccount(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/accounts", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/accounts", "error")
		return "", fmt.Errorf("%w: create connected account: %v", settle.ErrUpstreamUnavailable, err)
	}
	p.metrics.RecordAPICall(providerName, "/accounts", "success")
	if created.ID == "" {
		return "", fmt.Errorf("%w: connected account without id", billing.ErrProviderAPIError)
	}
	return created.ID, nil
}

func connectAccountIdempotencyKey(acct *settle.Account) string {
	return fmt.Sprintf("connect-account-%s-%d", acct.ID, acct.OnboardingGeneration)
}
