package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gosettle/pkg/billing"
	"github.com/mihaimyh/gosettle/pkg/billing/internal"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultCountry           = "US"
	webhookBodyLimit         = 256 * 1024
)

// Metadata keys written at session/account creation and read back from webhooks.
const (
	metadataSellerID     = "seller_id"
	metadataOfferID      = "offer_id"
	metadataPackageID    = "package_id"
	metadataBuyerID      = "buyer_id"
	metadataAccountID    = "account_id"
	metadataLegacyUserID = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Storage, Catalog, ProductTiers, etc.)

	// APIKey is the platform secret key. Ignored when API is set.
	APIKey string

	// API overrides the Stripe client, mainly for tests.
	API API

	// WebhookSecrets are tried in order. The webhook handler answers 503 when empty.
	WebhookSecrets []string

	// SignatureTolerance is the maximum accepted signature age. Default: 5 minutes
	SignatureTolerance time.Duration

	// Checkout redirect targets
	SuccessURL string
	CancelURL  string

	// Connect onboarding link targets
	ConnectReturnURL  string
	ConnectRefreshURL string

	// DefaultCountry is the country of newly created connected accounts. Default: "US"
	DefaultCountry string

	// Webhook rate limit per client IP. Defaults: 100 per minute
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Provider implements billing.Provider, billing.CheckoutInitiator and
// billing.ConnectInitiator for Stripe Connect.
type Provider struct {
	config      Config
	api         API
	verifier    *Verifier
	rateLimiter *internal.RateLimiter

	storage      settle.Storage
	catalog      settle.Catalog
	onboarding   *settle.Onboarding
	fees         *settle.FeeCalculator
	materializer *settle.Materializer
	reconciler   *settle.SubscriptionReconciler

	onWebhook billing.WebhookCallback
	logger    settle.Logger
	metrics   billing.Metrics
}

var (
	_ billing.Provider          = (*Provider)(nil)
	_ billing.CheckoutInitiator = (*Provider)(nil)
	_ billing.ConnectInitiator  = (*Provider)(nil)
)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Storage == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if config.Logger == nil {
		config.Logger = &settle.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.SettleMetrics == nil {
		config.SettleMetrics = &settle.NoopMetrics{}
	}
	if strings.TrimSpace(config.DefaultCountry) == "" {
		config.DefaultCountry = defaultCountry
	}
	if config.RateLimitRequests <= 0 {
		config.RateLimitRequests = defaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}

	api := config.API
	if api == nil {
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		var err error
		if api, err = NewAPI(config.APIKey, httpClient); err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrProviderNotConfigured, err)
		}
	}

	var verifier *Verifier
	if len(config.WebhookSecrets) > 0 {
		var err error
		verifier, err = NewVerifier(config.WebhookSecrets, WithTolerance(config.SignatureTolerance))
		if err != nil {
			return nil, err
		}
	}

	onboarding, err := settle.NewOnboarding(config.Storage, config.Logger, config.SettleMetrics)
	if err != nil {
		return nil, err
	}

	rates := config.FeeRates
	if rates == nil {
		rates = settle.NewTierFeeRates(config.Storage, nil)
	}
	fees, err := settle.NewFeeCalculator(settle.FeeCalculatorConfig{
		Rates:   rates,
		Logger:  config.Logger,
		Metrics: config.SettleMetrics,
	})
	if err != nil {
		return nil, err
	}

	materializer, err := settle.NewMaterializer(settle.MaterializerConfig{
		Storage:     config.Storage,
		Settlements: NewSettlementLookup(api),
		Fees:        fees,
		Logger:      config.Logger,
		Metrics:     config.SettleMetrics,
	})
	if err != nil {
		return nil, err
	}

	p := &Provider{
		config:       config,
		api:          api,
		verifier:     verifier,
		rateLimiter:  internal.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow),
		storage:      config.Storage,
		catalog:      config.Catalog,
		onboarding:   onboarding,
		fees:         fees,
		materializer: materializer,
		onWebhook:    config.OnWebhook,
		logger:       config.Logger,
		metrics:      config.Metrics,
	}

	reconciler, err := settle.NewSubscriptionReconciler(settle.SubscriptionReconcilerConfig{
		Storage:      config.Storage,
		ProductTiers: config.ProductTiers,
		OnTierChange: p.notifyTierChange,
		Logger:       config.Logger,
		Metrics:      config.SettleMetrics,
	})
	if err != nil {
		return nil, err
	}
	p.reconciler = reconciler

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// FeeCalculator exposes the provider's fee calculator.
func (p *Provider) FeeCalculator() *settle.FeeCalculator {
	return p.fees
}

func (p *Provider) notifyTierChange(ctx context.Context, c settle.SubscriptionChange, previous, current settle.Tier) {
	p.notify(ctx, billing.WebhookEvent{
		EventID:        c.EventID,
		EventType:      c.EventType,
		Family:         string(FamilySubscriptionLifecycle),
		EventTimestamp: c.OccurredAt,
		AccountID:      c.AccountID,
		PreviousTier:   previous,
		NewTier:        current,
	})
}

func (p *Provider) notify(ctx context.Context, event billing.WebhookEvent) {
	if p.onWebhook == nil {
		return
	}
	event.Provider = providerName
	if err := p.onWebhook(ctx, event); err != nil {
		p.logger.Warn("webhook callback failed",
			settle.F("event_id", event.EventID),
			settle.F("family", event.Family),
			settle.F("error", err))
	}
}

func unixUTC(secs int64) time.Time {
	return time.Unix(secs, 0).UTC()
}
