package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultFeeBasisPoints is the platform fee rate used when a seller's rate cannot be looked up.
const DefaultFeeBasisPoints = 1000

const basisPointsDenominator = 10000

// Fee returns round(amountMinor * feeBasisPoints / 10000), rounding half up.
// Negative inputs yield zero.
func Fee(amountMinor int64, feeBasisPoints int) int64 {
	if amountMinor <= 0 || feeBasisPoints <= 0 {
		return 0
	}
	product := amountMinor * int64(feeBasisPoints)
	return (product + basisPointsDenominator/2) / basisPointsDenominator
}

// FeeRates looks up the platform fee rate of a seller in basis points.
type FeeRates interface {
	FeeBasisPoints(ctx context.Context, sellerID string) (int, error)
}

// DefaultTierFeeBasisPoints are the fee rates per subscription tier.
func DefaultTierFeeBasisPoints() map[Tier]int {
	return map[Tier]int{
		TierFree:     1000,
		TierPro:      700,
		TierBusiness: 500,
	}
}

// TierFeeRates derives a seller's fee rate from their subscription tier.
type TierFeeRates struct {
	storage Storage
	rates   map[Tier]int
}

// NewTierFeeRates creates a tier-derived rate lookup. A nil rates map uses DefaultTierFeeBasisPoints.
func NewTierFeeRates(storage Storage, rates map[Tier]int) *TierFeeRates {
	if rates == nil {
		rates = DefaultTierFeeBasisPoints()
	}
	return &TierFeeRates{storage: storage, rates: rates}
}

// FeeBasisPoints implements FeeRates.
func (r *TierFeeRates) FeeBasisPoints(ctx context.Context, sellerID string) (int, error) {
	acct, err := r.storage.GetAccount(ctx, sellerID)
	if err != nil {
		return 0, err
	}
	bps, ok := r.rates[acct.Tier]
	if !ok {
		return 0, fmt.Errorf("no fee rate for tier %q", acct.Tier)
	}
	return bps, nil
}

// FeeCalculator computes platform fees. Rate lookup failures degrade to
// DefaultFeeBasisPoints so checkout is never blocked by the lookup.
type FeeCalculator struct {
	rates   FeeRates
	breaker CircuitBreaker
	group   singleflight.Group
	timeout time.Duration
	logger  Logger
	metrics Metrics
}

// FeeCalculatorConfig configures a FeeCalculator.
type FeeCalculatorConfig struct {
	// Rates is the per-seller lookup (required)
	Rates FeeRates

	// CircuitBreaker guards Rates. If nil, a breaker opening after 5 failures for 30s is used.
	CircuitBreaker CircuitBreaker

	// LookupTimeout bounds a single lookup. Default: 2s
	LookupTimeout time.Duration

	Logger  Logger
	Metrics Metrics
}

// NewFeeCalculator creates a FeeCalculator.
func NewFeeCalculator(config FeeCalculatorConfig) (*FeeCalculator, error) {
	if config.Rates == nil {
		return nil, errors.New("fee rates lookup is required")
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = 2 * time.Second
	}
	if config.CircuitBreaker == nil {
		metrics := config.Metrics
		config.CircuitBreaker = NewDefaultCircuitBreaker(5, 30*time.Second, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
	}
	return &FeeCalculator{
		rates:   config.Rates,
		breaker: config.CircuitBreaker,
		timeout: config.LookupTimeout,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// BasisPoints returns the seller's fee rate, or DefaultFeeBasisPoints if it cannot be determined.
func (c *FeeCalculator) BasisPoints(ctx context.Context, sellerID string) int {
	v, err, _ := c.group.Do(sellerID, func() (interface{}, error) {
		var bps int
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			var lookupErr error
			bps, lookupErr = c.rates.FeeBasisPoints(lookupCtx, sellerID)
			return lookupErr
		})
		return bps, err
	})

	bps, _ := v.(int)
	if err != nil || bps <= 0 || bps > basisPointsDenominator {
		reason := "invalid_rate"
		if errors.Is(err, ErrCircuitOpen) {
			reason = "circuit_open"
		} else if err != nil {
			reason = "lookup_failed"
		}
		c.logger.Warn("fee rate lookup failed, using default rate",
			F("seller_id", sellerID),
			F("reason", reason),
			F("default_bps", DefaultFeeBasisPoints),
			F("error", err))
		c.metrics.RecordFeeFallback(reason)
		return DefaultFeeBasisPoints
	}
	return bps
}

// PlatformFee returns the platform fee for amountMinor charged by sellerID and the rate used.
func (c *FeeCalculator) PlatformFee(ctx context.Context, sellerID string, amountMinor int64) (int64, int) {
	bps := c.BasisPoints(ctx, sellerID)
	return Fee(amountMinor, bps), bps
}
