// Package app wires configuration, storage, the Stripe provider and the HTTP API into a server.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gosettle/internal/config"
	httpmw "github.com/mihaimyh/gosettle/middleware/http"
	"github.com/mihaimyh/gosettle/pkg/api"
	"github.com/mihaimyh/gosettle/pkg/billing"
	billingprom "github.com/mihaimyh/gosettle/pkg/billing/metrics/prometheus"
	stripeprovider "github.com/mihaimyh/gosettle/pkg/billing/stripe"
	"github.com/mihaimyh/gosettle/pkg/settle"
	settlezerolog "github.com/mihaimyh/gosettle/pkg/settle/logger/zerolog"
	settleprom "github.com/mihaimyh/gosettle/pkg/settle/metrics/prometheus"
)

const webhookPath = "/webhooks/stripe"

// Options override pieces of the wiring, mainly for tests.
type Options struct {
	// Backend replaces the configured storage driver
	Backend Backend

	// StripeAPI replaces the Stripe client
	StripeAPI stripeprovider.API

	// Registry receives the metrics. Default: a fresh registry with Go and process collectors.
	Registry *prometheus.Registry
}

// App is an assembled gosettle server.
type App struct {
	Handler  http.Handler
	Provider *stripeprovider.Provider

	backend Backend
	closers []func() error
	logger  zerolog.Logger
}

// New assembles the server described by cfg.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{logger: logger}

	backend := opts.Backend
	if backend == nil {
		var closeFn func() error
		var err error
		backend, closeFn, err = OpenStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
		}
		a.closers = append(a.closers, closeFn)
	}
	a.backend = backend

	if err := SeedCatalog(ctx, backend, cfg.Packages()); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to seed catalog: %w", err)
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	var settleMetrics settle.Metrics = &settle.NoopMetrics{}
	var billingMetrics billing.Metrics = &billing.NoopMetrics{}
	if cfg.Metrics.Enabled {
		settleMetrics = settleprom.NewMetrics(registry, cfg.Metrics.Namespace)
		billingMetrics = billingprom.NewMetrics(registry, cfg.Metrics.Namespace)
	}

	settleLogger := settlezerolog.NewLogger(logger)
	storage := settle.NewMeteredStorage(backend, settleMetrics)

	tiers, err := cfg.Stripe.Tiers()
	if err != nil {
		a.Close()
		return nil, err
	}
	rates, err := cfg.Stripe.FeeRates()
	if err != nil {
		a.Close()
		return nil, err
	}

	provider, err := stripeprovider.NewProvider(stripeprovider.Config{
		Config: billing.Config{
			Storage:       storage,
			Catalog:       backend,
			ProductTiers:  tiers,
			FeeRates:      settle.NewTierFeeRates(storage, rates),
			OnWebhook:     logWebhook(logger),
			Logger:        settleLogger,
			Metrics:       billingMetrics,
			SettleMetrics: settleMetrics,
		},
		APIKey:             cfg.Stripe.APIKey,
		API:                opts.StripeAPI,
		WebhookSecrets:     cfg.Stripe.WebhookSecrets,
		SignatureTolerance: cfg.Stripe.SignatureTolerance,
		SuccessURL:         cfg.Stripe.SuccessURL,
		CancelURL:          cfg.Stripe.CancelURL,
		ConnectReturnURL:   cfg.Stripe.ConnectReturnURL,
		ConnectRefreshURL:  cfg.Stripe.ConnectRefreshURL,
		DefaultCountry:     cfg.Stripe.DefaultCountry,
		RateLimitRequests:  cfg.Stripe.RateLimitRequests,
		RateLimitWindow:    cfg.Stripe.RateLimitWindow,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create stripe provider: %w", err)
	}
	a.Provider = provider
	if len(cfg.Stripe.WebhookSecrets) == 0 {
		logger.Warn().Msg("no stripe webhook secrets configured, webhooks will be rejected")
	}

	onboarding, err := settle.NewOnboarding(storage, settleLogger, settleMetrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	getUserID := httpmw.FromHeader(cfg.Auth.UserIDHeader)
	var getEmail func(*http.Request) string
	if cfg.Auth.UserEmailHeader != "" {
		getEmail = api.FromHeader(cfg.Auth.UserEmailHeader)
	}
	handler, err := api.NewHandler(api.Config{
		Checkout:     provider,
		Connect:      provider,
		Refresher:    provider,
		Onboarding:   onboarding,
		Storage:      storage,
		GetUserID:    getUserID,
		GetUserEmail: getEmail,
		Logger:       settleLogger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	r.Method(http.MethodPost, webhookPath, provider.WebhookHandler())

	for _, route := range handler.Routes() {
		r.Method(route.Method, route.Pattern, route.Handler)
	}
	r.With(httpmw.Middleware(httpmw.Config{
		Storage:   storage,
		GetUserID: getUserID,
	})).Get("/api/account", accountStatus)

	a.Handler = r
	return a, nil
}

// Close releases storage connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.backend.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			a.logger.Error().Err(err).Msg("storage health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountResponse struct {
	ID                 string     `json:"id"`
	OnboardingStatus   string     `json:"onboarding_status"`
	Tier               string     `json:"tier"`
	SubscriptionStatus string     `json:"subscription_status"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
}

func accountStatus(w http.ResponseWriter, r *http.Request) {
	acct := httpmw.AccountFromContext(r.Context())
	if acct == nil {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "account_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		ID:                 acct.ID,
		OnboardingStatus:   string(acct.OnboardingStatus),
		Tier:               string(acct.Tier),
		SubscriptionStatus: string(acct.SubscriptionStatus),
		CurrentPeriodEnd:   acct.CurrentPeriodEnd,
	})
}

func logWebhook(logger zerolog.Logger) billing.WebhookCallback {
	return func(_ context.Context, event billing.WebhookEvent) error {
		logger.Info().
			Str("event_id", event.EventID).
			Str("event_type", event.EventType).
			Str("family", event.Family).
			Str("account_id", event.AccountID).
			Msg("webhook reconciled")
		return nil
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
