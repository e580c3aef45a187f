// Package redis provides a Redis implementation of the settle.Storage and settle.Catalog interfaces.
// Accounts and orders are stored as hashes; every conditional write runs as a Lua script
// so rank checks and the write they guard are atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// Storage implements settle.Storage and settle.Catalog using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gosettle:")
	KeyPrefix string

	// AuditTTL is the TTL of subscription audit rows (0 = no expiration).
	// Redelivered events older than the TTL are applied again.
	AuditTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gosettle:",
		AuditTTL:  0,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gosettle:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     time.Now,
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Create the account hash if it does not exist
	s.scripts["ensureAccount"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			redis.call('HSET', KEYS[1], unpack(ARGV))
		end
		return 1
	`)

	// Link an external account and point its index at the account
	s.scripts["link"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		redis.call('HSET', KEYS[1],
			'external_account_id', ARGV[1],
			'onboarding_status', ARGV[2],
			'onboarding_rank', ARGV[3],
			'updated_at', ARGV[4])
		redis.call('SET', KEYS[2], ARGV[5])
		return 1
	`)

	// Advance onboarding only to a higher rank; returns the previous status
	s.scripts["advance"] = redis.NewScript(`
		if redis.call('HGET', KEYS[1], 'external_account_id') ~= ARGV[1] then
			return false
		end
		local previous = redis.call('HGET', KEYS[1], 'onboarding_status')
		local rank = tonumber(redis.call('HGET', KEYS[1], 'onboarding_rank') or '-1')
		if tonumber(ARGV[3]) > rank then
			redis.call('HSET', KEYS[1],
				'onboarding_status', ARGV[2],
				'onboarding_rank', ARGV[3],
				'updated_at', ARGV[4])
		end
		return previous
	`)

	// Clear the external link; returns the previous external id
	s.scripts["reset"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return false
		end
		local previous = redis.call('HGET', KEYS[1], 'external_account_id') or ''
		redis.call('HSET', KEYS[1],
			'external_account_id', '',
			'onboarding_status', ARGV[1],
			'onboarding_rank', ARGV[2],
			'updated_at', ARGV[3])
		redis.call('HINCRBY', KEYS[1], 'onboarding_generation', 1)
		return previous
	`)

	// Apply subscription fields unless a newer event was already applied.
	// Returns {code, previous tier}: code -1 for a missing account, 0 for a stale
	// event and 1 when applied. A reapplied event id keeps its recorded previous tier.
	s.scripts["subscription"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {-1, ''}
		end
		local tier = redis.call('HGET', KEYS[1], 'tier') or ''
		local stored = redis.call('HGET', KEYS[1], 'subscription_event_at')
		if stored and stored ~= '' and tonumber(stored) > tonumber(ARGV[1]) then
			return {0, tier}
		end
		local previous = tier
		if ARGV[2] ~= '' and redis.call('HGET', KEYS[1], 'subscription_event_id') == ARGV[2] then
			previous = redis.call('HGET', KEYS[1], 'tier_before_event') or ''
		end
		redis.call('HSET', KEYS[1],
			'subscription_event_at', ARGV[1],
			'subscription_event_id', ARGV[2],
			'tier_before_event', previous,
			unpack(ARGV, 3))
		return {1, previous}
	`)

	// Insert an audit row and append it to the account index in one step.
	// Returns 0 when the event was already audited.
	s.scripts["audit"] = redis.NewScript(`
		local kind = redis.call('TYPE', KEYS[2]).ok
		if kind ~= 'none' and kind ~= 'list' then
			return redis.error_reply('WRONGTYPE audit index is not a list')
		end
		local ttl = tonumber(ARGV[2])
		local created
		if ttl > 0 then
			created = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ttl)
		else
			created = redis.call('SET', KEYS[1], ARGV[1], 'NX')
		end
		if not created then
			return 0
		end
		redis.call('RPUSH', KEYS[2], ARGV[3])
		return 1
	`)

	// Insert or merge an order. Fields are only written by an observation of
	// equal or higher rank; id, created_at and fulfillment are never overwritten.
	s.scripts["upsertOrder"] = redis.NewScript(`
		local key = KEYS[1]
		local rank = tonumber(ARGV[1])
		if redis.call('EXISTS', key) == 0 then
			redis.call('HSET', key, 'status_rank', rank, unpack(ARGV, 3))
			redis.call('SET', KEYS[2], ARGV[2])
			return redis.call('HGETALL', key)
		end
		local stored = tonumber(redis.call('HGET', key, 'status_rank') or '-1')
		if rank >= stored then
			local keep = {id = true, created_at = true, fulfillment_status = true}
			for i = 3, #ARGV, 2 do
				local field, value = ARGV[i], ARGV[i + 1]
				if not keep[field] and not (field == 'payment_intent_id' and value == '') then
					redis.call('HSET', key, field, value)
				end
			end
			redis.call('HSET', key, 'status_rank', rank)
		end
		return redis.call('HGETALL', key)
	`)

	// Mark a paid order delivered. Returns 0 when not found, -1 when not paid.
	s.scripts["deliver"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('HGET', key, 'id') ~= ARGV[2] or redis.call('HGET', key, 'seller_id') ~= ARGV[1] then
			return 0
		end
		if redis.call('HGET', key, 'status') ~= ARGV[4] then
			return -1
		end
		if redis.call('HGET', key, 'fulfillment_status') ~= ARGV[5] then
			redis.call('HSET', key, 'fulfillment_status', ARGV[5], 'updated_at', ARGV[3])
		end
		return 1
	`)
}

// GetAccount implements settle.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*settle.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if len(fields) == 0 {
		return nil, settle.ErrAccountNotFound
	}
	return parseAccount(fields)
}

// GetAccountByExternalID implements settle.Storage. The index is verified
// against the account so a stale link never resolves.
func (s *Storage) GetAccountByExternalID(ctx context.Context, externalAccountID string) (*settle.Account, error) {
	accountID, err := s.client.Get(ctx, s.externalKey(externalAccountID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, settle.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve external account: %w", err)
	}
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.ExternalAccountID != externalAccountID {
		return nil, settle.ErrAccountNotFound
	}
	return acct, nil
}

// EnsureAccount implements settle.Storage
func (s *Storage) EnsureAccount(ctx context.Context, accountID, email string) (*settle.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	now := formatTime(s.now())
	err := s.scripts["ensureAccount"].Run(ctx, s.client, []string{s.accountKey(accountID)},
		"id", accountID,
		"email", email,
		"external_account_id", "",
		"onboarding_status", string(settle.OnboardingNotConnected),
		"onboarding_rank", settle.OnboardingNotConnected.Rank(),
		"tier", string(settle.TierFree),
		"subscription_external_id", "",
		"subscription_status", string(settle.SubscriptionNone),
		"current_period_end", "",
		"subscription_event_at", "",
		"subscription_event_id", "",
		"tier_before_event", "",
		"onboarding_generation", 0,
		"created_at", now,
		"updated_at", now,
	).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return s.GetAccount(ctx, accountID)
}

// LinkExternalAccount implements settle.Storage
func (s *Storage) LinkExternalAccount(ctx context.Context, accountID, externalAccountID string) error {
	linked, err := s.scripts["link"].Run(ctx, s.client,
		[]string{s.accountKey(accountID), s.externalKey(externalAccountID)},
		externalAccountID,
		string(settle.OnboardingPending),
		settle.OnboardingPending.Rank(),
		formatTime(s.now()),
		accountID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to link external account: %w", err)
	}
	if linked == 0 {
		return settle.ErrAccountNotFound
	}
	return nil
}

// AdvanceOnboarding implements settle.Storage
func (s *Storage) AdvanceOnboarding(
	ctx context.Context, externalAccountID string, status settle.OnboardingStatus,
) (*settle.Account, settle.OnboardingStatus, error) {
	accountID, err := s.client.Get(ctx, s.externalKey(externalAccountID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", settle.ErrAccountNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve external account: %w", err)
	}

	previous, err := s.scripts["advance"].Run(ctx, s.client, []string{s.accountKey(accountID)},
		externalAccountID,
		string(status),
		status.Rank(),
		formatTime(s.now()),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, "", settle.ErrAccountNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to advance onboarding: %w", err)
	}

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, "", err
	}
	return acct, settle.OnboardingStatus(previous), nil
}

// ResetOnboarding implements settle.Storage
func (s *Storage) ResetOnboarding(ctx context.Context, accountID string) error {
	previous, err := s.scripts["reset"].Run(ctx, s.client, []string{s.accountKey(accountID)},
		string(settle.OnboardingNotConnected),
		settle.OnboardingNotConnected.Rank(),
		formatTime(s.now()),
	).Text()
	if errors.Is(err, redis.Nil) {
		return settle.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to reset onboarding: %w", err)
	}
	if previous != "" {
		if err := s.client.Del(ctx, s.externalKey(previous)).Err(); err != nil {
			return fmt.Errorf("failed to remove external account index: %w", err)
		}
	}
	return nil
}

// UpdateSubscription implements settle.Storage
func (s *Storage) UpdateSubscription(
	ctx context.Context, accountID string, state settle.SubscriptionState,
) (settle.Tier, bool, error) {
	periodEnd := ""
	if state.CurrentPeriodEnd != nil {
		periodEnd = formatTime(*state.CurrentPeriodEnd)
	}
	result, err := s.scripts["subscription"].Run(ctx, s.client, []string{s.accountKey(accountID)},
		state.EventAt.UnixMicro(),
		state.EventID,
		"tier", string(state.Tier),
		"subscription_status", string(state.Status),
		"subscription_external_id", state.ExternalID,
		"current_period_end", periodEnd,
		"updated_at", formatTime(s.now()),
	).Slice()
	if err != nil {
		return "", false, fmt.Errorf("failed to update subscription: %w", err)
	}
	if len(result) != 2 {
		return "", false, fmt.Errorf("unexpected subscription script result: %v", result)
	}
	code, _ := result[0].(int64)
	previous, _ := result[1].(string)
	switch code {
	case -1:
		return "", false, settle.ErrAccountNotFound
	case 0:
		return settle.Tier(previous), false, nil
	default:
		return settle.Tier(previous), true, nil
	}
}

// InsertSubscriptionAudit implements settle.Storage
func (s *Storage) InsertSubscriptionAudit(ctx context.Context, event *settle.SubscriptionAuditEvent) error {
	if event == nil || event.ExternalEventID == "" {
		return fmt.Errorf("invalid audit event")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	created, err := s.scripts["audit"].Run(ctx, s.client,
		[]string{s.auditKey(event.ExternalEventID), s.accountAuditKey(event.AccountID)},
		data,
		s.config.AuditTTL.Milliseconds(),
		event.ExternalEventID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to insert subscription audit: %w", err)
	}
	if created == 0 {
		return settle.ErrDuplicateEvent
	}
	return nil
}

// AuditEventIDs returns the external event ids audited for accountID, oldest first
func (s *Storage) AuditEventIDs(ctx context.Context, accountID string) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.accountAuditKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return ids, nil
}

// UpsertOrder implements settle.Storage
func (s *Storage) UpsertOrder(ctx context.Context, order *settle.Order) (*settle.Order, error) {
	if order == nil || order.CheckoutSessionID == "" {
		return nil, fmt.Errorf("invalid order")
	}

	args := append([]interface{}{order.Status.Rank(), order.CheckoutSessionID}, orderFields(order)...)
	result, err := s.scripts["upsertOrder"].Run(ctx, s.client,
		[]string{s.orderKey(order.CheckoutSessionID), s.orderIDKey(order.ID)},
		args...,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to upsert order: %w", err)
	}
	fields, err := pairsToMap(result)
	if err != nil {
		return nil, err
	}
	return parseOrder(fields)
}

// GetOrderBySession implements settle.Storage
func (s *Storage) GetOrderBySession(ctx context.Context, checkoutSessionID string) (*settle.Order, error) {
	fields, err := s.client.HGetAll(ctx, s.orderKey(checkoutSessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if len(fields) == 0 {
		return nil, settle.ErrOrderNotFound
	}
	return parseOrder(fields)
}

// MarkOrderDelivered implements settle.Storage
func (s *Storage) MarkOrderDelivered(ctx context.Context, sellerID, orderID string) (*settle.Order, error) {
	sessionID, err := s.client.Get(ctx, s.orderIDKey(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, settle.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve order: %w", err)
	}

	result, err := s.scripts["deliver"].Run(ctx, s.client, []string{s.orderKey(sessionID)},
		sellerID,
		orderID,
		formatTime(s.now()),
		string(settle.OrderPaid),
		string(settle.FulfillmentDelivered),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to mark order delivered: %w", err)
	}
	switch result {
	case 0:
		return nil, settle.ErrOrderNotFound
	case -1:
		return nil, settle.ErrInvalidTransition
	}
	return s.GetOrderBySession(ctx, sessionID)
}

// PutPackage adds a package to the catalog
func (s *Storage) PutPackage(ctx context.Context, pkg *settle.Package) error {
	data, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("failed to marshal package: %w", err)
	}
	if err := s.client.Set(ctx, s.packageKey(pkg.OfferSlug, pkg.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to put package: %w", err)
	}
	return nil
}

// GetPackage implements settle.Catalog
func (s *Storage) GetPackage(ctx context.Context, offerSlug, packageID string) (*settle.Package, error) {
	data, err := s.client.Get(ctx, s.packageKey(offerSlug, packageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, settle.ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}

	var pkg settle.Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal package: %w", err)
	}
	return &pkg, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) accountKey(accountID string) string {
	return fmt.Sprintf("%saccount:%s", s.config.KeyPrefix, accountID)
}

func (s *Storage) externalKey(externalAccountID string) string {
	return fmt.Sprintf("%saccount_external:%s", s.config.KeyPrefix, externalAccountID)
}

func (s *Storage) auditKey(externalEventID string) string {
	return fmt.Sprintf("%ssubscription_event:%s", s.config.KeyPrefix, externalEventID)
}

func (s *Storage) accountAuditKey(accountID string) string {
	return fmt.Sprintf("%ssubscription_events:%s", s.config.KeyPrefix, accountID)
}

func (s *Storage) orderKey(checkoutSessionID string) string {
	return fmt.Sprintf("%sorder:%s", s.config.KeyPrefix, checkoutSessionID)
}

func (s *Storage) orderIDKey(orderID string) string {
	return fmt.Sprintf("%sorder_id:%s", s.config.KeyPrefix, orderID)
}

func (s *Storage) packageKey(offerSlug, packageID string) string {
	return fmt.Sprintf("%spackage:%s:%s", s.config.KeyPrefix, strings.ToLower(offerSlug), packageID)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func orderFields(o *settle.Order) []interface{} {
	return []interface{}{
		"id", o.ID,
		"checkout_session_id", o.CheckoutSessionID,
		"payment_intent_id", o.PaymentIntentID,
		"buyer_id", o.BuyerID,
		"buyer_email", o.BuyerEmail,
		"seller_id", o.SellerID,
		"offer_id", o.OfferID,
		"package_id", o.PackageID,
		"amount_total", o.AmountTotal,
		"currency", o.Currency,
		"platform_fee_amount", o.PlatformFeeAmount,
		"status", string(o.Status),
		"fulfillment_status", string(o.FulfillmentStatus),
		"created_at", formatTime(o.CreatedAt),
		"updated_at", formatTime(o.UpdatedAt),
	}
}

func parseAccount(f map[string]string) (*settle.Account, error) {
	acct := &settle.Account{
		ID:                     f["id"],
		Email:                  f["email"],
		ExternalAccountID:      f["external_account_id"],
		OnboardingStatus:       settle.OnboardingStatus(f["onboarding_status"]),
		Tier:                   settle.Tier(f["tier"]),
		SubscriptionExternalID: f["subscription_external_id"],
		SubscriptionStatus:     settle.SubscriptionStatus(f["subscription_status"]),
		SubscriptionEventID:    f["subscription_event_id"],
		TierBeforeEvent:        settle.Tier(f["tier_before_event"]),
	}

	var err error
	if acct.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return nil, fmt.Errorf("invalid account created_at: %w", err)
	}
	if acct.UpdatedAt, err = parseTime(f["updated_at"]); err != nil {
		return nil, fmt.Errorf("invalid account updated_at: %w", err)
	}
	if v := f["current_period_end"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("invalid current_period_end: %w", err)
		}
		acct.CurrentPeriodEnd = &t
	}
	if v := f["onboarding_generation"]; v != "" {
		if acct.OnboardingGeneration, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid onboarding_generation: %w", err)
		}
	}
	if v := f["subscription_event_at"]; v != "" {
		micros, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid subscription_event_at: %w", err)
		}
		t := time.UnixMicro(micros).UTC()
		acct.SubscriptionEventAt = &t
	}
	return acct, nil
}

func parseOrder(f map[string]string) (*settle.Order, error) {
	o := &settle.Order{
		ID:                f["id"],
		CheckoutSessionID: f["checkout_session_id"],
		PaymentIntentID:   f["payment_intent_id"],
		BuyerID:           f["buyer_id"],
		BuyerEmail:        f["buyer_email"],
		SellerID:          f["seller_id"],
		OfferID:           f["offer_id"],
		PackageID:         f["package_id"],
		Currency:          f["currency"],
		Status:            settle.OrderStatus(f["status"]),
		FulfillmentStatus: settle.FulfillmentStatus(f["fulfillment_status"]),
	}

	var err error
	if o.AmountTotal, err = strconv.ParseInt(f["amount_total"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid order amount_total: %w", err)
	}
	if o.PlatformFeeAmount, err = strconv.ParseInt(f["platform_fee_amount"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid order platform_fee_amount: %w", err)
	}
	if o.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return nil, fmt.Errorf("invalid order created_at: %w", err)
	}
	if o.UpdatedAt, err = parseTime(f["updated_at"]); err != nil {
		return nil, fmt.Errorf("invalid order updated_at: %w", err)
	}
	return o, nil
}

// pairsToMap converts a flat HGETALL reply from a script into a map
func pairsToMap(reply []interface{}) (map[string]string, error) {
	if len(reply)%2 != 0 {
		return nil, fmt.Errorf("unexpected script reply length %d", len(reply))
	}
	out := make(map[string]string, len(reply)/2)
	for i := 0; i < len(reply); i += 2 {
		k, ok1 := reply[i].(string)
		v, ok2 := reply[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("unexpected script reply types %T/%T", reply[i], reply[i+1])
		}
		out[k] = v
	}
	return out, nil
}
