// Package config loads gosettle server configuration from a YAML file,
// a .env file and GOSETTLE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Storage StorageConfig `mapstructure:"storage"`
	Stripe  StripeConfig  `mapstructure:"stripe"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Catalog seeds offer packages at startup. Only used by drivers that hold the catalog themselves.
	Catalog []PackageConfig `mapstructure:"catalog"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggerConfig struct {
	// Level is a zerolog level name: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format is json or console
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	Driver    string          `mapstructure:"driver"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	AuditTTL  time.Duration `mapstructure:"audit_ttl"`
}

type FirestoreConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

type StripeConfig struct {
	APIKey string `mapstructure:"api_key"`

	// WebhookSecrets accepts a comma separated list from the environment
	WebhookSecrets     []string      `mapstructure:"webhook_secrets"`
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`

	SuccessURL        string `mapstructure:"success_url"`
	CancelURL         string `mapstructure:"cancel_url"`
	ConnectReturnURL  string `mapstructure:"connect_return_url"`
	ConnectRefreshURL string `mapstructure:"connect_refresh_url"`
	DefaultCountry    string `mapstructure:"default_country"`

	// ProductTiers maps product or price ids to tier names
	ProductTiers map[string]string `mapstructure:"product_tiers"`

	// FeeBasisPoints overrides the per-tier platform fee rates
	FeeBasisPoints map[string]int `mapstructure:"fee_basis_points"`

	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// AuthConfig names the headers an upstream authenticating proxy sets.
type AuthConfig struct {
	UserIDHeader    string `mapstructure:"user_id_header"`
	UserEmailHeader string `mapstructure:"user_email_header"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

type PackageConfig struct {
	ID         string `mapstructure:"id"`
	OfferID    string `mapstructure:"offer_id"`
	OfferSlug  string `mapstructure:"offer_slug"`
	SellerID   string `mapstructure:"seller_id"`
	Title      string `mapstructure:"title"`
	PriceMinor int64  `mapstructure:"price_minor"`
	Currency   string `mapstructure:"currency"`
}

// Load reads configuration. path may be empty, in which case gosettle.yaml is
// looked up in the working directory and ./configs; a missing file is not an error.
// Load does not validate; commands call Validate for the parts they need.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gosettle")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("GOSETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Stripe.WebhookSecrets = compact(cfg.Stripe.WebhookSecrets)
	return &cfg, nil
}

// loadDotEnv exports variables from file without overriding the real environment.
func loadDotEnv(file string) error {
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("failed to load %s: %w", file, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 2)
	v.SetDefault("storage.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("storage.postgres.auto_migrate", false)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "gosettle:")
	v.SetDefault("storage.redis.audit_ttl", time.Duration(0))
	v.SetDefault("storage.firestore.project_id", "")
	v.SetDefault("storage.firestore.collection_prefix", "settle_")

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secrets", []string{})
	v.SetDefault("stripe.signature_tolerance", 5*time.Minute)
	v.SetDefault("stripe.success_url", "http://localhost:3000/checkout/success")
	v.SetDefault("stripe.cancel_url", "http://localhost:3000/checkout/cancel")
	v.SetDefault("stripe.connect_return_url", "http://localhost:3000/connect/return")
	v.SetDefault("stripe.connect_refresh_url", "http://localhost:3000/connect/refresh")
	v.SetDefault("stripe.default_country", "US")
	v.SetDefault("stripe.rate_limit_requests", 100)
	v.SetDefault("stripe.rate_limit_window", time.Minute)

	v.SetDefault("auth.user_id_header", "X-User-ID")
	v.SetDefault("auth.user_email_header", "X-User-Email")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "gosettle")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	case DriverFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("storage.firestore.project_id is required for the firestore driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Stripe.APIKey == "" {
		return fmt.Errorf("stripe.api_key is required")
	}
	if c.Auth.UserIDHeader == "" {
		return fmt.Errorf("auth.user_id_header is required")
	}
	if _, err := c.Stripe.Tiers(); err != nil {
		return err
	}
	if _, err := c.Stripe.FeeRates(); err != nil {
		return err
	}
	return nil
}

// Tiers returns ProductTiers as typed tiers
func (s StripeConfig) Tiers() (map[string]settle.Tier, error) {
	tiers := make(map[string]settle.Tier, len(s.ProductTiers))
	for product, name := range s.ProductTiers {
		tier := settle.Tier(strings.ToLower(strings.TrimSpace(name)))
		if !tier.Valid() {
			return nil, fmt.Errorf("stripe.product_tiers: invalid tier %q for product %q", name, product)
		}
		tiers[product] = tier
	}
	return tiers, nil
}

// FeeRates returns the per-tier fee rates with FeeBasisPoints applied over the defaults
func (s StripeConfig) FeeRates() (map[settle.Tier]int, error) {
	rates := settle.DefaultTierFeeBasisPoints()
	for name, bps := range s.FeeBasisPoints {
		tier := settle.Tier(strings.ToLower(strings.TrimSpace(name)))
		if !tier.Valid() {
			return nil, fmt.Errorf("stripe.fee_basis_points: invalid tier %q", name)
		}
		if bps <= 0 || bps > 10000 {
			return nil, fmt.Errorf("stripe.fee_basis_points: %d out of range for tier %q", bps, name)
		}
		rates[tier] = bps
	}
	return rates, nil
}

// Packages converts the catalog seed entries
func (c *Config) Packages() []*settle.Package {
	pkgs := make([]*settle.Package, 0, len(c.Catalog))
	for _, p := range c.Catalog {
		pkgs = append(pkgs, &settle.Package{
			ID:         p.ID,
			OfferID:    p.OfferID,
			OfferSlug:  p.OfferSlug,
			SellerID:   p.SellerID,
			Title:      p.Title,
			PriceMinor: p.PriceMinor,
			Currency:   strings.ToLower(p.Currency),
		})
	}
	return pkgs
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
