package inventory

import (
	"errors"
	"time"
)

const (
	FailureReasonNotFound          = "not_found"
	FailureReasonInsufficientStock = "insufficient_stock"
	FailureReasonConflict          = "concurrent_update"
	FailureReasonUnavailable       = "unavailable"
)

// FailureReason maps an adjustment error to a low-cardinality reason label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return FailureReasonNotFound
	case errors.Is(err, ErrInsufficientStock):
		return FailureReasonInsufficientStock
	case errors.Is(err, ErrConcurrentUpdate):
		return FailureReasonConflict
	default:
		return FailureReasonUnavailable
	}
}

// StockAdjustedEvent is emitted after every item of an order had its stock decremented.
type StockAdjustedEvent struct {
	OrderID    string    `json:"orderId"`
	ProductIDs []string  `json:"productIds"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (StockAdjustedEvent) EventName() string { return "inventory.stock_adjusted" }

func NewStockAdjustedEvent(orderID string, productIDs []string) StockAdjustedEvent {
	return StockAdjustedEvent{
		OrderID:    orderID,
		ProductIDs: productIDs,
		OccurredAt: time.Now().UTC(),
	}
}

// StockAdjustmentFailedEvent is emitted when an order is persisted but some of its
// stock decrements did not go through. The order stays valid and is repaired later.
type StockAdjustmentFailedEvent struct {
	OrderID    string    `json:"orderId"`
	ProductIDs []string  `json:"productIds"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (StockAdjustmentFailedEvent) EventName() string { return "inventory.stock_adjustment_failed" }

func NewStockAdjustmentFailedEvent(orderID string, productIDs []string, reason string) StockAdjustmentFailedEvent {
	return StockAdjustmentFailedEvent{
		OrderID:    orderID,
		ProductIDs: productIDs,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}
