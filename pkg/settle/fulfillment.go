package settle

import (
	"context"
	"fmt"
)

// MarkDelivered records seller delivery of a paid order. Delivered is terminal,
// so repeating the call returns the stored order unchanged.
func MarkDelivered(ctx context.Context, storage Storage, sellerID, orderID string) (*Order, error) {
	if sellerID == "" || orderID == "" {
		return nil, fmt.Errorf("%w: seller and order id are required", ErrInvalidTransition)
	}
	order, err := storage.MarkOrderDelivered(ctx, sellerID, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark order %s delivered: %w", orderID, err)
	}
	return order, nil
}
