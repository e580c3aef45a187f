package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

var (
	_ settle.Storage = (*Storage)(nil)
	_ settle.Catalog = (*Storage)(nil)
)

func TestStorage_EnsureAccountDefaults(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "acct_1")
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)

	acct, err := s.EnsureAccount(ctx, "acct_1", "seller@example.com")
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingNotConnected, acct.OnboardingStatus)
	assert.Equal(t, settle.TierFree, acct.Tier)
	assert.Equal(t, settle.SubscriptionNone, acct.SubscriptionStatus)

	again, err := s.EnsureAccount(ctx, "acct_1", "other@example.com")
	require.NoError(t, err)
	assert.Equal(t, "seller@example.com", again.Email)
}

func TestStorage_OnboardingForwardOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, "acct_1", "")
	require.NoError(t, err)
	require.NoError(t, s.LinkExternalAccount(ctx, "acct_1", "ext_1"))

	acct, prev, err := s.AdvanceOnboarding(ctx, "ext_1", settle.OnboardingComplete)
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingPending, prev)
	assert.Equal(t, settle.OnboardingComplete, acct.OnboardingStatus)

	acct, prev, err = s.AdvanceOnboarding(ctx, "ext_1", settle.OnboardingPendingVerification)
	require.NoError(t, err)
	assert.Equal(t, settle.OnboardingComplete, prev)
	assert.Equal(t, settle.OnboardingComplete, acct.OnboardingStatus)

	_, _, err = s.AdvanceOnboarding(ctx, "ext_missing", settle.OnboardingComplete)
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)
}

func TestStorage_ResetOnboardingUnlinks(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, "acct_1", "")
	require.NoError(t, err)
	require.NoError(t, s.LinkExternalAccount(ctx, "acct_1", "ext_1"))

	require.NoError(t, s.ResetOnboarding(ctx, "acct_1"))

	acct, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Empty(t, acct.ExternalAccountID)
	assert.Equal(t, settle.OnboardingNotConnected, acct.OnboardingStatus)
	assert.Equal(t, int64(1), acct.OnboardingGeneration)

	_, err = s.GetAccountByExternalID(ctx, "ext_1")
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)
}

func TestStorage_UpdateSubscriptionSkipsStale(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, "acct_1", "")
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, applied, err := s.UpdateSubscription(ctx, "acct_1", settle.SubscriptionState{
		Tier: settle.TierPro, Status: settle.SubscriptionActive, ExternalID: "sub_1", EventAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	_, applied, err = s.UpdateSubscription(ctx, "acct_1", settle.SubscriptionState{
		Tier: settle.TierFree, Status: settle.SubscriptionCanceled, ExternalID: "sub_1", EventAt: t0,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	acct, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, settle.TierPro, acct.Tier)
}

func TestStorage_UpdateSubscriptionPreviousTierStableOnRedelivery(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, "acct_1", "")
	require.NoError(t, err)

	state := settle.SubscriptionState{
		Tier: settle.TierPro, Status: settle.SubscriptionActive, ExternalID: "sub_1",
		EventAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), EventID: "evt_1",
	}
	previous, applied, err := s.UpdateSubscription(ctx, "acct_1", state)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, settle.TierFree, previous)

	previous, applied, err = s.UpdateSubscription(ctx, "acct_1", state)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, settle.TierFree, previous)

	state.Tier = settle.TierBusiness
	state.EventID = "evt_2"
	state.EventAt = state.EventAt.Add(time.Minute)
	previous, _, err = s.UpdateSubscription(ctx, "acct_1", state)
	require.NoError(t, err)
	assert.Equal(t, settle.TierPro, previous)

	_, _, err = s.UpdateSubscription(ctx, "missing", state)
	assert.ErrorIs(t, err, settle.ErrAccountNotFound)
}

func TestStorage_InsertSubscriptionAuditDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	ev := &settle.SubscriptionAuditEvent{ID: "a1", AccountID: "acct_1", ExternalEventID: "evt_1"}
	require.NoError(t, s.InsertSubscriptionAudit(ctx, ev))
	assert.ErrorIs(t, s.InsertSubscriptionAudit(ctx, ev), settle.ErrDuplicateEvent)
	assert.Len(t, s.AuditEvents("acct_1"), 1)
}

func TestStorage_UpsertOrderMonotonic(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.UpsertOrder(ctx, &settle.Order{
		ID: "ord_1", CheckoutSessionID: "cs_1", SellerID: "seller", Status: settle.OrderPending,
		FulfillmentStatus: settle.FulfillmentUnfulfilled,
	})
	require.NoError(t, err)

	paid, err := s.UpsertOrder(ctx, &settle.Order{
		ID: "ord_2", CheckoutSessionID: "cs_1", SellerID: "seller", PaymentIntentID: "pi_1",
		PlatformFeeAmount: 700, Status: settle.OrderPaid, FulfillmentStatus: settle.FulfillmentUnfulfilled,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, paid.ID)
	assert.Equal(t, settle.OrderPaid, paid.Status)
	assert.Equal(t, int64(700), paid.PlatformFeeAmount)

	_, err = s.MarkOrderDelivered(ctx, "seller", first.ID)
	require.NoError(t, err)

	late, err := s.UpsertOrder(ctx, &settle.Order{
		ID: "ord_3", CheckoutSessionID: "cs_1", SellerID: "seller", Status: settle.OrderPending,
	})
	require.NoError(t, err)
	assert.Equal(t, settle.OrderPaid, late.Status)
	assert.Equal(t, "pi_1", late.PaymentIntentID)
	assert.Equal(t, settle.FulfillmentDelivered, late.FulfillmentStatus)
	assert.Equal(t, 1, s.OrderCount())
}

func TestStorage_UpsertOrderConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := settle.OrderPending
			if i%2 == 0 {
				status = settle.OrderPaid
			}
			_, err := s.UpsertOrder(ctx, &settle.Order{ID: "ord", CheckoutSessionID: "cs_1", Status: status})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	order, err := s.GetOrderBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, settle.OrderPaid, order.Status)
	assert.Equal(t, 1, s.OrderCount())
}

func TestStorage_MarkOrderDelivered(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.UpsertOrder(ctx, &settle.Order{ID: "ord_p", CheckoutSessionID: "cs_p", SellerID: "seller", Status: settle.OrderPending})
	require.NoError(t, err)

	_, err = s.MarkOrderDelivered(ctx, "seller", "ord_p")
	assert.ErrorIs(t, err, settle.ErrInvalidTransition)

	_, err = s.MarkOrderDelivered(ctx, "other", "ord_p")
	assert.ErrorIs(t, err, settle.ErrOrderNotFound)
}

func TestStorage_GetPackage(t *testing.T) {
	s := New()
	s.PutPackage(&settle.Package{ID: "basic", OfferID: "off_1", OfferSlug: "Logo-Design", SellerID: "seller", PriceMinor: 10000, Currency: "usd"})

	p, err := s.GetPackage(context.Background(), "logo-design", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), p.PriceMinor)

	_, err = s.GetPackage(context.Background(), "logo-design", "premium")
	assert.ErrorIs(t, err, settle.ErrOfferNotFound)
}
