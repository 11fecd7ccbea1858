package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
)

// OrderRepository keeps orders in process memory. Every read and write copies the
// aggregate so callers never share state with the store.
type OrderRepository struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	byIntent map[string]string
}

var _ domain.Repository = (*OrderRepository)(nil)

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:   make(map[string]*domain.Order),
		byIntent: make(map[string]string),
	}
}

func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if order == nil || order.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return domain.ErrConflict
	}
	if id := order.PaymentIntentID; id != "" {
		if _, exists := r.byIntent[id]; exists {
			return domain.ErrConflict
		}
		r.byIntent[id] = order.ID
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return order.Clone(), nil
}

func (r *OrderRepository) FindByPaymentIntentID(ctx context.Context, intentID string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byIntent[intentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.orders[id].Clone(), nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status domain.Status, payment domain.PaymentStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if o.Status == status && o.PaymentStatus == payment {
		return false, nil
	}
	if !domain.WriteAllowed(o.Status, o.PaymentStatus, status, payment) {
		return false, nil
	}
	o.Status = status
	o.PaymentStatus = payment
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *OrderRepository) MarkItemsStockAdjusted(ctx context.Context, orderID string, itemIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	o.MarkStockAdjusted(itemIDs...)
	return nil
}

func (r *OrderRepository) FindPendingPayment(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Order, error) {
	return r.scan(ctx, limit, func(o *domain.Order) bool {
		return o.CreatedAt.Before(olderThan) &&
			o.Status == domain.StatusPending &&
			o.PaymentStatus == domain.PaymentPending
	})
}

func (r *OrderRepository) FindStockPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Order, error) {
	return r.scan(ctx, limit, func(o *domain.Order) bool {
		return o.CreatedAt.Before(olderThan) &&
			o.Status != domain.StatusCancelled &&
			len(o.PendingStockItems()) > 0
	})
}

// scan returns matches oldest first, at most limit of them when limit > 0.
func (r *OrderRepository) scan(ctx context.Context, limit int, match func(*domain.Order) bool) ([]*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	var out []*domain.Order
	for _, o := range r.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(orders []*domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
