package order

import "time"

type EventItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

// OrderCreatedEvent is emitted once an order and its items are persisted.
type OrderCreatedEvent struct {
	OrderID         string      `json:"orderId"`
	UserID          string      `json:"userId"`
	TotalAmount     string      `json:"totalAmount"`
	PaymentIntentID string      `json:"paymentIntentId"`
	Items           []EventItem `json:"items"`
	OccurredAt      time.Time   `json:"occurredAt"`
}

func (OrderCreatedEvent) EventName() string { return "order.created" }

func NewOrderCreatedEvent(o *Order) OrderCreatedEvent {
	items := make([]EventItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, EventItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.Price.StringFixed(2),
		})
	}
	return OrderCreatedEvent{
		OrderID:         o.ID,
		UserID:          o.UserID,
		TotalAmount:     o.TotalAmount.StringFixed(2),
		PaymentIntentID: o.PaymentIntentID,
		Items:           items,
		OccurredAt:      time.Now().UTC(),
	}
}

// OrderPaidEvent is emitted when the gateway confirmed payment for an order.
type OrderPaidEvent struct {
	OrderID         string    `json:"orderId"`
	PaymentIntentID string    `json:"paymentIntentId"`
	OccurredAt      time.Time `json:"occurredAt"`
}

func (OrderPaidEvent) EventName() string { return "order.paid" }

func NewOrderPaidEvent(o *Order) OrderPaidEvent {
	return OrderPaidEvent{
		OrderID:         o.ID,
		PaymentIntentID: o.PaymentIntentID,
		OccurredAt:      time.Now().UTC(),
	}
}

// OrderPaymentFailedEvent is emitted when the gateway reported a failed or voided payment.
type OrderPaymentFailedEvent struct {
	OrderID         string    `json:"orderId"`
	PaymentIntentID string    `json:"paymentIntentId"`
	Reason          string    `json:"reason"`
	OccurredAt      time.Time `json:"occurredAt"`
}

func (OrderPaymentFailedEvent) EventName() string { return "order.payment_failed" }

func NewOrderPaymentFailedEvent(o *Order, reason string) OrderPaymentFailedEvent {
	return OrderPaymentFailedEvent{
		OrderID:         o.ID,
		PaymentIntentID: o.PaymentIntentID,
		Reason:          reason,
		OccurredAt:      time.Now().UTC(),
	}
}

// OrderStatusChangedEvent is emitted by the explicit status-update path.
type OrderStatusChangedEvent struct {
	OrderID    string    `json:"orderId"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (OrderStatusChangedEvent) EventName() string { return "order.status_changed" }

func NewOrderStatusChangedEvent(o *Order, from Status) OrderStatusChangedEvent {
	return OrderStatusChangedEvent{
		OrderID:    o.ID,
		From:       from,
		To:         o.Status,
		OccurredAt: time.Now().UTC(),
	}
}
