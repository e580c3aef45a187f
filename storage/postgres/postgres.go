// Package postgres provides a PostgreSQL implementation of the settle.Storage and settle.Catalog interfaces.
// Idempotency and monotonic merges are enforced by unique constraints, conditional upserts
// and SELECT FOR UPDATE transactions, so concurrent webhook deliveries converge.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations
const uniqueViolation = "23505"

const accountColumns = `id, email, external_account_id, onboarding_status, onboarding_generation, tier,
	subscription_external_id, subscription_status, current_period_end, subscription_event_at,
	subscription_event_id, tier_before_event, created_at, updated_at`

const orderColumns = `id, checkout_session_id, payment_intent_id, buyer_id, buyer_email,
	seller_id, offer_id, package_id, amount_total, currency, platform_fee_amount,
	status, fulfillment_status, created_at, updated_at`

// Storage implements settle.Storage and settle.Catalog using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded migrations when the storage is created
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if _, err := s.Migrate(ctx, MigrateUp); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetAccount implements settle.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*settle.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, settle.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// GetAccountByExternalID implements settle.Storage
func (s *Storage) GetAccountByExternalID(ctx context.Context, externalAccountID string) (*settle.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_account_id = $1`, externalAccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, settle.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by external id: %w", err)
	}
	return acct, nil
}

// EnsureAccount implements settle.Storage
func (s *Storage) EnsureAccount(ctx context.Context, accountID, email string) (*settle.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, email, onboarding_status, tier, subscription_status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (id) DO UPDATE SET id = accounts.id
			RETURNING `+accountColumns,
		accountID, email, settle.OnboardingNotConnected, settle.TierFree, settle.SubscriptionNone, time.Now().UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return acct, nil
}

// LinkExternalAccount implements settle.Storage
func (s *Storage) LinkExternalAccount(ctx context.Context, accountID, externalAccountID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET external_account_id = $2, onboarding_status = $3, updated_at = $4
			WHERE id = $1`,
		accountID, externalAccountID, settle.OnboardingPending, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to link external account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return settle.ErrAccountNotFound
	}
	return nil
}

// AdvanceOnboarding implements settle.Storage with a row lock so concurrent
// account events cannot move the status backwards.
func (s *Storage) AdvanceOnboarding(
	ctx context.Context, externalAccountID string, status settle.OnboardingStatus,
) (*settle.Account, settle.OnboardingStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_account_id = $1 FOR UPDATE`,
		externalAccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", settle.ErrAccountNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get account for update: %w", err)
	}

	previous := acct.OnboardingStatus
	if previous.CanAdvanceTo(status) {
		now := time.Now().UTC()
		_, err = tx.Exec(ctx,
			`UPDATE accounts SET onboarding_status = $2, updated_at = $3 WHERE id = $1`,
			acct.ID, status, now)
		if err != nil {
			return nil, "", fmt.Errorf("failed to advance onboarding: %w", err)
		}
		acct.OnboardingStatus = status
		acct.UpdatedAt = now
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("failed to commit: %w", err)
	}
	return acct, previous, nil
}

// ResetOnboarding implements settle.Storage
func (s *Storage) ResetOnboarding(ctx context.Context, accountID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET external_account_id = NULL, onboarding_status = $2,
				onboarding_generation = onboarding_generation + 1, updated_at = $3
			WHERE id = $1`,
		accountID, settle.OnboardingNotConnected, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to reset onboarding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return settle.ErrAccountNotFound
	}
	return nil
}

// UpdateSubscription implements settle.Storage with a row lock. The write is
// skipped when the stored subscription_event_at is newer than state.EventAt.
func (s *Storage) UpdateSubscription(
	ctx context.Context, accountID string, state settle.SubscriptionState,
) (settle.Tier, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, settle.ErrAccountNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get account for update: %w", err)
	}
	eventAt := state.EventAt.UTC()
	if acct.SubscriptionEventAt != nil && acct.SubscriptionEventAt.After(eventAt) {
		return acct.Tier, false, nil
	}

	previous := acct.Tier
	if state.EventID != "" && acct.SubscriptionEventID == state.EventID {
		previous = acct.TierBeforeEvent
	}
	_, err = tx.Exec(ctx,
		`UPDATE accounts SET
				tier = $2,
				subscription_status = $3,
				subscription_external_id = $4,
				current_period_end = $5,
				subscription_event_at = $6,
				subscription_event_id = $7,
				tier_before_event = $8,
				updated_at = $9
			WHERE id = $1`,
		accountID, state.Tier, state.Status, state.ExternalID, state.CurrentPeriodEnd,
		eventAt, state.EventID, previous, time.Now().UTC(),
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to update subscription: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("failed to commit: %w", err)
	}
	return previous, true, nil
}

// InsertSubscriptionAudit implements settle.Storage
func (s *Storage) InsertSubscriptionAudit(ctx context.Context, event *settle.SubscriptionAuditEvent) error {
	if event == nil || event.ExternalEventID == "" {
		return fmt.Errorf("invalid audit event")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscription_events
				(id, account_id, external_event_id, subscription_external_id, previous_tier, new_tier,
				 external_status, status, product_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.AccountID, event.ExternalEventID, event.SubscriptionExternalID,
		event.PreviousTier, event.NewTier, event.ExternalStatus, event.Status, event.ProductID,
		event.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return settle.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("failed to insert subscription audit: %w", err)
	}
	return nil
}

// UpsertOrder implements settle.Storage. The conflict update only fires for an
// observation of equal or higher status rank; fulfillment, id and created_at are kept.
func (s *Storage) UpsertOrder(ctx context.Context, order *settle.Order) (*settle.Order, error) {
	if order == nil || order.CheckoutSessionID == "" {
		return nil, fmt.Errorf("invalid order")
	}

	stored, err := scanOrder(s.pool.QueryRow(ctx,
		`INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (checkout_session_id) DO UPDATE SET
				payment_intent_id = COALESCE(NULLIF(EXCLUDED.payment_intent_id, ''), orders.payment_intent_id),
				buyer_id = EXCLUDED.buyer_id,
				buyer_email = EXCLUDED.buyer_email,
				seller_id = EXCLUDED.seller_id,
				offer_id = EXCLUDED.offer_id,
				package_id = EXCLUDED.package_id,
				amount_total = EXCLUDED.amount_total,
				currency = EXCLUDED.currency,
				platform_fee_amount = EXCLUDED.platform_fee_amount,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at
			WHERE order_status_rank(EXCLUDED.status) >= order_status_rank(orders.status)
			RETURNING `+orderColumns,
		order.ID, order.CheckoutSessionID, order.PaymentIntentID, order.BuyerID, order.BuyerEmail,
		order.SellerID, order.OfferID, order.PackageID, order.AmountTotal, order.Currency,
		order.PlatformFeeAmount, order.Status, order.FulfillmentStatus, order.CreatedAt, order.UpdatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// A higher-ranked observation is already stored
		return s.GetOrderBySession(ctx, order.CheckoutSessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert order: %w", err)
	}
	return stored, nil
}

// GetOrderBySession implements settle.Storage
func (s *Storage) GetOrderBySession(ctx context.Context, checkoutSessionID string) (*settle.Order, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE checkout_session_id = $1`, checkoutSessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, settle.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// MarkOrderDelivered implements settle.Storage
func (s *Storage) MarkOrderDelivered(ctx context.Context, sellerID, orderID string) (*settle.Order, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx,
		`UPDATE orders SET
				updated_at = CASE WHEN fulfillment_status = $4 THEN updated_at ELSE $5 END,
				fulfillment_status = $4
			WHERE id = $1 AND seller_id = $2 AND status = $3
			RETURNING `+orderColumns,
		orderID, sellerID, settle.OrderPaid, settle.FulfillmentDelivered, time.Now().UTC(),
	))
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to mark order delivered: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1 AND seller_id = $2)`,
		orderID, sellerID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check order: %w", err)
	}
	if exists {
		return nil, settle.ErrInvalidTransition
	}
	return nil, settle.ErrOrderNotFound
}

// GetPackage implements settle.Catalog
func (s *Storage) GetPackage(ctx context.Context, offerSlug, packageID string) (*settle.Package, error) {
	var pkg settle.Package
	err := s.pool.QueryRow(ctx,
		`SELECT p.id, o.id, o.slug, o.seller_id, p.title, p.price_minor, p.currency
			FROM offer_packages p JOIN offers o ON o.id = p.offer_id
			WHERE LOWER(o.slug) = LOWER($1) AND p.id = $2`,
		offerSlug, packageID).Scan(
		&pkg.ID,
		&pkg.OfferID,
		&pkg.OfferSlug,
		&pkg.SellerID,
		&pkg.Title,
		&pkg.PriceMinor,
		&pkg.Currency,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, settle.ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return &pkg, nil
}

func scanAccount(row pgx.Row) (*settle.Account, error) {
	var acct settle.Account
	var externalID *string
	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&externalID,
		&acct.OnboardingStatus,
		&acct.OnboardingGeneration,
		&acct.Tier,
		&acct.SubscriptionExternalID,
		&acct.SubscriptionStatus,
		&acct.CurrentPeriodEnd,
		&acct.SubscriptionEventAt,
		&acct.SubscriptionEventID,
		&acct.TierBeforeEvent,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalID != nil {
		acct.ExternalAccountID = *externalID
	}
	return &acct, nil
}

func scanOrder(row pgx.Row) (*settle.Order, error) {
	var o settle.Order
	err := row.Scan(
		&o.ID,
		&o.CheckoutSessionID,
		&o.PaymentIntentID,
		&o.BuyerID,
		&o.BuyerEmail,
		&o.SellerID,
		&o.OfferID,
		&o.PackageID,
		&o.AmountTotal,
		&o.Currency,
		&o.PlatformFeeAmount,
		&o.Status,
		&o.FulfillmentStatus,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
