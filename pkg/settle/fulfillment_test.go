package settle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosettle/pkg/settle"
	"github.com/mihaimyh/gosettle/storage/memory"
)

func TestMarkDelivered(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.UpsertOrder(ctx, &settle.Order{
		ID: "ord_1", CheckoutSessionID: "cs_1", SellerID: "seller_1",
		Status: settle.OrderPaid, FulfillmentStatus: settle.FulfillmentUnfulfilled,
	})
	require.NoError(t, err)

	order, err := settle.MarkDelivered(ctx, store, "seller_1", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, settle.FulfillmentDelivered, order.FulfillmentStatus)

	order, err = settle.MarkDelivered(ctx, store, "seller_1", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, settle.FulfillmentDelivered, order.FulfillmentStatus)

	_, err = settle.MarkDelivered(ctx, store, "seller_2", "ord_1")
	assert.ErrorIs(t, err, settle.ErrOrderNotFound)

	_, err = settle.MarkDelivered(ctx, store, "", "ord_1")
	assert.ErrorIs(t, err, settle.ErrInvalidTransition)
}
