package httppresentation

import (
	"time"

	domainOrder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
)

type orderItemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

type orderResponse struct {
	ID              string                      `json:"id"`
	UserID          string                      `json:"userId"`
	Status          domainOrder.Status          `json:"status"`
	PaymentStatus   domainOrder.PaymentStatus   `json:"paymentStatus"`
	TotalAmount     string                      `json:"totalAmount"`
	ShippingAddress domainOrder.ShippingAddress `json:"shippingAddress"`
	PaymentIntentID string                      `json:"paymentIntentId,omitempty"`
	Items           []orderItemResponse         `json:"items"`
	CreatedAt       time.Time                   `json:"createdAt"`
	UpdatedAt       time.Time                   `json:"updatedAt"`
}

func toOrderResponse(o *domainOrder.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.Price.StringFixed(2),
		})
	}
	return orderResponse{
		ID:              o.ID,
		UserID:          o.UserID,
		Status:          o.Status,
		PaymentStatus:   o.PaymentStatus,
		TotalAmount:     o.TotalAmount.StringFixed(2),
		ShippingAddress: o.ShippingAddress,
		PaymentIntentID: o.PaymentIntentID,
		Items:           items,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}
