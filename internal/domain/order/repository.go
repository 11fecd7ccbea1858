package order

import (
	"context"
	"time"
)

// Repository persists the Order aggregate. Create writes the order together with
// its items or not at all.
type Repository interface {
	Create(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id string) (*Order, error)
	FindByPaymentIntentID(ctx context.Context, intentID string) (*Order, error)
	// ListByUser returns the user's orders, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Order, error)
	// UpdateStatus is idempotent: writing the current values reports changed=false.
	// Writes rejected by WriteAllowed are skipped and also report changed=false.
	UpdateStatus(ctx context.Context, id string, status Status, payment PaymentStatus) (changed bool, err error)
	MarkItemsStockAdjusted(ctx context.Context, orderID string, itemIDs []string) error
	// FindPendingPayment lists (pending, pending) orders created before olderThan.
	FindPendingPayment(ctx context.Context, olderThan time.Time, limit int) ([]*Order, error)
	// FindStockPending lists non-cancelled orders created before olderThan that still
	// have items without a confirmed stock decrement.
	FindStockPending(ctx context.Context, olderThan time.Time, limit int) ([]*Order, error)
}
