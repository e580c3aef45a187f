package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gosettle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithEnv(t *testing.T) {
	t.Setenv("GOSETTLE_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("GOSETTLE_STRIPE_WEBHOOK_SECRETS", "whsec_a, whsec_b")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "sk_test_123", cfg.Stripe.APIKey)
	assert.Equal(t, []string{"whsec_a", "whsec_b"}, cfg.Stripe.WebhookSecrets)
	assert.Equal(t, 5*time.Minute, cfg.Stripe.SignatureTolerance)
	assert.Equal(t, "X-User-ID", cfg.Auth.UserIDHeader)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
storage:
  driver: postgres
  postgres:
    dsn: postgres://localhost/gosettle
stripe:
  api_key: sk_test_file
  webhook_secrets: [whsec_old, whsec_new]
  product_tiers:
    prod_pro: pro
    price_business: Business
  fee_basis_points:
    pro: 650
catalog:
  - id: basic
    offer_id: offer-1
    offer_slug: logo-design
    seller_id: seller-1
    title: Basic
    price_minor: 5000
    currency: USD
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, []string{"whsec_old", "whsec_new"}, cfg.Stripe.WebhookSecrets)

	tiers, err := cfg.Stripe.Tiers()
	require.NoError(t, err)
	assert.Equal(t, settle.TierPro, tiers["prod_pro"])
	assert.Equal(t, settle.TierBusiness, tiers["price_business"])

	rates, err := cfg.Stripe.FeeRates()
	require.NoError(t, err)
	assert.Equal(t, 650, rates[settle.TierPro])
	assert.Equal(t, 1000, rates[settle.TierFree])

	pkgs := cfg.Packages()
	require.Len(t, pkgs, 1)
	assert.Equal(t, int64(5000), pkgs[0].PriceMinor)
	assert.Equal(t, "usd", pkgs[0].Currency)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
stripe:
  api_key: sk_test_file
`)
	t.Setenv("GOSETTLE_STRIPE_API_KEY", "sk_test_env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_env", cfg.Stripe.APIKey)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Storage: StorageConfig{Driver: DriverMemory},
			Stripe:  StripeConfig{APIKey: "sk_test"},
			Auth:    AuthConfig{UserIDHeader: "X-User-ID"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"redis without addr", func(c *Config) { c.Storage.Driver = DriverRedis }},
		{"firestore without project", func(c *Config) { c.Storage.Driver = DriverFirestore }},
		{"missing api key", func(c *Config) { c.Stripe.APIKey = "" }},
		{"missing user header", func(c *Config) { c.Auth.UserIDHeader = "" }},
		{"invalid tier", func(c *Config) { c.Stripe.ProductTiers = map[string]string{"prod": "gold"} }},
		{"fee out of range", func(c *Config) { c.Stripe.FeeBasisPoints = map[string]int{"free": 20000} }},
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_DoesNotValidate(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: postgres
  postgres:
    dsn: postgres://localhost/gosettle
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}
