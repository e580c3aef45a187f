package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// RefreshAccount re-reads the seller's connected account and applies the resolved
// onboarding status. It backs the "return from onboarding" flow, where the seller
// should not have to wait for the webhook.
func (p *Provider) RefreshAccount(ctx context.Context, accountID string) (settle.OnboardingStatus, error) {
	startTime := time.Now()
	status, err := p.refreshAccount(ctx, accountID)
	p.metrics.RecordAccountRefreshDuration(providerName, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAccountRefresh(providerName, "error")
		return "", err
	}
	p.metrics.RecordAccountRefresh(providerName, "success")
	return status, nil
}

func (p *Provider) refreshAccount(ctx context.Context, accountID string) (settle.OnboardingStatus, error) {
	acct, err := p.storage.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.ExternalAccountID == "" {
		return settle.OnboardingNotConnected, nil
	}

	external, err := p.fetchAccount(ctx, acct.ExternalAccountID)
	if err != nil {
		return "", err
	}

	updated, err := p.onboarding.ApplyCapabilities(ctx, acct.ExternalAccountID, capabilitiesOf(external))
	if err != nil {
		return "", err
	}
	if updated == nil {
		// unlinked between the read and the write
		return settle.OnboardingNotConnected, nil
	}
	return updated.OnboardingStatus, nil
}

func (p *Provider) fetchAccount(ctx context.Context, externalAccountID string) (*stripe.Account, error) {
	startTime := time.Now()
	acct, err := p.api.GetAccount(ctx, externalAccountID)
	p.metrics.RecordAPICallDuration(providerName, "/accounts/{id}", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/accounts/{id}", "error")
		return nil, fmt.Errorf("%w: fetch account %s: %v", settle.ErrUpstreamUnavailable, externalAccountID, err)
	}
	p.metrics.RecordAPICall(providerName, "/accounts/{id}", "success")
	return acct, nil
}
