package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	storage, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "gosettle:", storage.config.KeyPrefix)
	assert.Equal(t, "gosettle:package:logo-design:basic", storage.packageKey("Logo-Design", "basic"))
}

func TestStorage_AccountLifecycle(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetAccount(ctx, "seller_1")
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)

	acct, err := storage.EnsureAccount(ctx, "seller_1", "seller@example.com")
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingNotConnected, acct.OnboardingStatus)
	assert.Equal(t, settle.TierFree, acct.Tier)

	again, err := storage.EnsureAccount(ctx, "seller_1", "other@example.com")
	require.NoError(t, err)
	assert.Equal(t, "seller@example.com", again.Email)

	require.NoError(t, storage.LinkExternalAccount(ctx, "seller_1", "acct_1"))
	assert.ErrorIs(t, storage.LinkExternalAccount(ctx, "missing", "acct_2"), settle.ErrAccountNotFound)

	acct, previous, err := storage.AdvanceOnboarding(ctx, "acct_1", settle.OnboardingComplete)
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingPending, previous)
	assert.Equal(t, settle.OnboardingComplete, acct.OnboardingStatus)

	acct, _, err = storage.AdvanceOnboarding(ctx, "acct_1", settle.OnboardingPending)
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingComplete, acct.OnboardingStatus)

	require.NoError(t, storage.ResetOnboarding(ctx, "seller_1"))
	_, err = storage.GetAccountByExternalID(ctx, "acct_1")
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)
	_, _, err = storage.AdvanceOnboarding(ctx, "acct_1", settle.OnboardingComplete)
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)

	acct, err = storage.GetAccount(ctx, "seller_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.OnboardingGeneration)

	assert.ErrorIs(t, storage.ResetOnboarding(ctx, "missing"), settle.ErrAccountNotFound)
}

func TestStorage_StaleExternalIndex(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	_, err := storage.EnsureAccount(ctx, "seller_1", "")
	require.NoError(t, err)
	require.NoError(t, storage.LinkExternalAccount(ctx, "seller_1", "acct_old"))
	require.NoError(t, storage.LinkExternalAccount(ctx, "seller_1", "acct_new"))

	_, err = storage.GetAccountByExternalID(ctx, "acct_old")
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)
	_, _, err = storage.AdvanceOnboarding(ctx, "acct_old", settle.OnboardingComplete)
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)

	acct, err := storage.GetAccountByExternalID(ctx, "acct_new")
	require.NoError(t, err)
	assert.Equal(t, "seller_1", acct.ID)
}

func TestStorage_UpdateSubscription(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	_, err := storage.EnsureAccount(ctx, "buyer_1", "")
	require.NoError(t, err)

	eventAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	periodEnd := eventAt.AddDate(0, 1, 0)
	state := settle.SubscriptionState{
		Tier:             settle.TierBusiness,
		Status:           settle.SubscriptionActive,
		ExternalID:       "sub_1",
		CurrentPeriodEnd: &periodEnd,
		EventAt:          eventAt,
		EventID:          "evt_1",
	}
	previous, applied, err := storage.UpdateSubscription(ctx, "buyer_1", state)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, settle.TierFree, previous)

	previous, applied, err = storage.UpdateSubscription(ctx, "buyer_1", state)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, settle.TierFree, previous, "redelivery reports the original transition")

	_, applied, err = storage.UpdateSubscription(ctx, "buyer_1", settle.SubscriptionState{
		Tier: settle.TierFree, Status: settle.SubscriptionCanceled, EventAt: eventAt.Add(-time.Second),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	acct, err := storage.GetAccount(ctx, "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, settle.TierBusiness, acct.Tier)
	assert.Equal(t, "sub_1", acct.SubscriptionExternalID)
	require.NotNil(t, acct.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*acct.CurrentPeriodEnd))
	require.NotNil(t, acct.SubscriptionEventAt)
	assert.True(t, eventAt.Equal(*acct.SubscriptionEventAt))

	_, _, err = storage.UpdateSubscription(ctx, "missing", settle.SubscriptionState{EventAt: eventAt})
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)
}

func TestStorage_InsertSubscriptionAudit(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	event := &settle.SubscriptionAuditEvent{
		ID: "audit_1", AccountID: "buyer_1", ExternalEventID: "evt_1",
		PreviousTier: settle.TierFree, NewTier: settle.TierPro, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, storage.InsertSubscriptionAudit(ctx, event))
	assert.ErrorIs(t, storage.InsertSubscriptionAudit(ctx, event), settle.ErrDuplicateEvent)

	ids, err := storage.AuditEventIDs(ctx, "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1"}, ids)
}

func TestStorage_InsertSubscriptionAuditRetryAfterFailure(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	// A non-list value under the index key makes the insert fail.
	require.NoError(t, storage.client.Set(ctx, storage.accountAuditKey("buyer_1"), "x", 0).Err())

	event := &settle.SubscriptionAuditEvent{
		ID: "audit_1", AccountID: "buyer_1", ExternalEventID: "evt_1", CreatedAt: time.Now().UTC(),
	}
	err := storage.InsertSubscriptionAudit(ctx, event)
	require.Error(t, err)
	assert.NotErrorIs(t, err, settle.ErrDuplicateEvent)

	exists, err := storage.client.Exists(ctx, storage.auditKey("evt_1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "failed insert must not leave the audit row behind")

	require.NoError(t, storage.client.Del(ctx, storage.accountAuditKey("buyer_1")).Err())
	require.NoError(t, storage.InsertSubscriptionAudit(ctx, event))

	ids, err := storage.AuditEventIDs(ctx, "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1"}, ids)
}

func newOrder(id string, status settle.OrderStatus, pi string) *settle.Order {
	now := time.Now().UTC()
	return &settle.Order{
		ID:                id,
		CheckoutSessionID: "cs_1",
		PaymentIntentID:   pi,
		SellerID:          "seller_1",
		OfferID:           "offer_1",
		PackageID:         "basic",
		AmountTotal:       123456789012,
		Currency:          "usd",
		PlatformFeeAmount: 8641975231,
		Status:            status,
		FulfillmentStatus: settle.FulfillmentUnfulfilled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestStorage_UpsertOrderMonotonic(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	stored, err := storage.UpsertOrder(ctx, newOrder("ord_1", settle.OrderPaid, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, int64(123456789012), stored.AmountTotal)
	assert.Equal(t, int64(8641975231), stored.PlatformFeeAmount)

	delivered, err := storage.MarkOrderDelivered(ctx, "seller_1", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, settle.FulfillmentDelivered, delivered.FulfillmentStatus)

	stored, err = storage.UpsertOrder(ctx, newOrder("ord_2", settle.OrderPending, ""))
	require.NoError(t, err)
	assert.Equal(t, "ord_1", stored.ID)
	assert.Equal(t, settle.OrderPaid, stored.Status)
	assert.Equal(t, "pi_1", stored.PaymentIntentID)
	assert.Equal(t, settle.FulfillmentDelivered, stored.FulfillmentStatus)

	stored, err = storage.UpsertOrder(ctx, newOrder("ord_3", settle.OrderPaid, ""))
	require.NoError(t, err)
	assert.Equal(t, "ord_1", stored.ID)
	assert.Equal(t, "pi_1", stored.PaymentIntentID)
	assert.Equal(t, settle.FulfillmentDelivered, stored.FulfillmentStatus)
}

func TestStorage_UpsertOrderConcurrent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := storage.UpsertOrder(ctx, newOrder(fmt.Sprintf("ord_%d", i), settle.OrderPaid, "pi_1"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := storage.GetOrderBySession(ctx, "cs_1")
	require.NoError(t, err)
	keys, err := storage.client.Keys(ctx, "gosettle:order:*").Result()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Equal(t, settle.OrderPaid, stored.Status)
}

func TestStorage_MarkOrderDeliveredErrors(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	_, err := storage.UpsertOrder(ctx, newOrder("ord_1", settle.OrderFailed, ""))
	require.NoError(t, err)

	_, err = storage.MarkOrderDelivered(ctx, "seller_1", "ord_1")
	assert.ErrorIs(t, err, settle.ErrInvalidTransition)

	_, err = storage.MarkOrderDelivered(ctx, "seller_2", "ord_1")
	assert.ErrorIs(t, err, settle.ErrOrderNotFound)

	_, err = storage.MarkOrderDelivered(ctx, "seller_1", "ord_missing")
	assert.ErrorIs(t, err, settle.ErrOrderNotFound)
}

func TestStorage_Catalog(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.PutPackage(ctx, &settle.Package{
		ID: "basic", OfferID: "offer_1", OfferSlug: "Logo-Design", SellerID: "seller_1",
		PriceMinor: 10000, Currency: "usd",
	}))

	pkg, err := storage.GetPackage(ctx, "logo-design", "basic")
	require.NoError(t, err)
	assert.Equal(t, "seller_1", pkg.SellerID)

	_, err = storage.GetPackage(ctx, "logo-design", "premium")
	assert.ErrorIs(t, err, settle.ErrOfferNotFound)
}

func TestPairsToMap(t *testing.T) {
	m, err := pairsToMap([]interface{}{"a", "1", "b", "2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, m)

	_, err = pairsToMap([]interface{}{"a"})
	assert.Error(t, err)
	_, err = pairsToMap([]interface{}{"a", int64(1)})
	assert.Error(t, err)
}
