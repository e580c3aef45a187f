package settle_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosettle/pkg/settle"
	"github.com/mihaimyh/gosettle/storage/memory"
)

type stubSettlements struct {
	mu      sync.Mutex
	results map[string]*settle.Settlement
	err     error
}

func (s *stubSettlements) set(piID string, status settle.SettlementStatus, fee int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[string]*settle.Settlement)
	}
	s.results[piID] = &settle.Settlement{
		PaymentIntentID: piID, Status: status, ApplicationFeeAmount: fee, Amount: 10000, Currency: "usd",
	}
}

func (s *stubSettlements) Settlement(_ context.Context, piID string) (*settle.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.results[piID]
	if !ok {
		return &settle.Settlement{PaymentIntentID: piID, Status: "processing"}, nil
	}
	out := *r
	return &out, nil
}

func completion() settle.CheckoutCompletion {
	return settle.CheckoutCompletion{
		EventID:         "evt_1",
		SessionID:       "cs_1",
		SellerID:        "seller_1",
		OfferID:         "off_1",
		PackageID:       "basic",
		BuyerID:         "buyer_1",
		BuyerEmail:      "buyer@example.com",
		AmountTotal:     10000,
		Currency:        "USD",
		PaymentIntentID: "pi_1",
	}
}

func newMaterializer(t *testing.T, store settle.Storage, lookup settle.SettlementLookup) *settle.Materializer {
	t.Helper()
	m, err := settle.NewMaterializer(settle.MaterializerConfig{Storage: store, Settlements: lookup})
	require.NoError(t, err)
	return m
}

func TestMaterializer_PaidOrder(t *testing.T) {
	store := memory.New()
	lookup := &stubSettlements{}
	lookup.set("pi_1", settle.SettlementSucceeded, 700)
	m := newMaterializer(t, store, lookup)

	order, err := m.Materialize(context.Background(), completion())
	require.NoError(t, err)
	assert.Equal(t, settle.OrderPaid, order.Status)
	assert.Equal(t, int64(10000), order.AmountTotal)
	assert.Equal(t, int64(700), order.PlatformFeeAmount)
	assert.Equal(t, "usd", order.Currency)
	assert.Equal(t, settle.FulfillmentUnfulfilled, order.FulfillmentStatus)
}

func TestMaterializer_RedeliveryYieldsOneOrder(t *testing.T) {
	store := memory.New()
	lookup := &stubSettlements{}
	lookup.set("pi_1", settle.SettlementSucceeded, 700)
	m := newMaterializer(t, store, lookup)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Materialize(context.Background(), completion())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.OrderCount())
	order, err := store.GetOrderBySession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, settle.OrderPaid, order.Status)
}

func TestMaterializer_PendingThenPaidConverges(t *testing.T) {
	store := memory.New()
	lookup := &stubSettlements{}
	m := newMaterializer(t, store, lookup)
	ctx := context.Background()

	order, err := m.Materialize(ctx, completion())
	require.NoError(t, err)
	assert.Equal(t, settle.OrderPending, order.Status)
	firstID := order.ID

	lookup.set("pi_1", settle.SettlementSucceeded, 700)
	order, err = m.Materialize(ctx, completion())
	require.NoError(t, err)
	assert.Equal(t, settle.OrderPaid, order.Status)
	assert.Equal(t, firstID, order.ID)

	// a late pending observation never regresses a paid order
	lookup.set("pi_1", "processing", 0)
	order, err = m.Materialize(ctx, completion())
	require.NoError(t, err)
	assert.Equal(t, settle.OrderPaid, order.Status)
	assert.Equal(t, int64(700), order.PlatformFeeAmount)
}

func TestMaterializer_AsyncFailure(t *testing.T) {
	store := memory.New()
	m := newMaterializer(t, store, &stubSettlements{})

	c := completion()
	c.PaymentFailed = true
	order, err := m.Materialize(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, settle.OrderFailed, order.Status)
}

func TestMaterializer_CanceledIntentFails(t *testing.T) {
	lookup := &stubSettlements{}
	lookup.set("pi_1", settle.SettlementCanceled, 0)
	m := newMaterializer(t, memory.New(), lookup)

	order, err := m.Materialize(context.Background(), completion())
	require.NoError(t, err)
	assert.Equal(t, settle.OrderFailed, order.Status)
}

func TestMaterializer_MissingCorrelation(t *testing.T) {
	store := memory.New()
	m := newMaterializer(t, store, &stubSettlements{})

	c := completion()
	c.SellerID = ""
	_, err := m.Materialize(context.Background(), c)
	assert.ErrorIs(t, err, settle.ErrCorrelationMissing)
	assert.Contains(t, err.Error(), "seller_id")
	assert.Equal(t, 0, store.OrderCount())
}

func TestMaterializer_UpstreamUnavailable(t *testing.T) {
	store := memory.New()
	m := newMaterializer(t, store, &stubSettlements{err: errors.New("503 from provider")})

	_, err := m.Materialize(context.Background(), completion())
	assert.ErrorIs(t, err, settle.ErrUpstreamUnavailable)
	assert.Equal(t, 0, store.OrderCount())
}

func TestMaterializer_NoPaymentIntentStaysPending(t *testing.T) {
	store := memory.New()
	m := newMaterializer(t, store, &stubSettlements{err: errors.New("must not be called")})

	c := completion()
	c.PaymentIntentID = ""
	order, err := m.Materialize(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, settle.OrderPending, order.Status)
	assert.Zero(t, order.PlatformFeeAmount)
}
