package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const uniqueViolation = "23505"

const orderColumns = `id, user_id, status, payment_status, total_amount::text, shipping_address,
	COALESCE(payment_intent_id, ''), created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OrderStore persists orders and their items in PostgreSQL.
type OrderStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var _ domain.Repository = (*OrderStore)(nil)

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool, tracer: otel.Tracer("order_store")}
}

func (s *OrderStore) Create(ctx context.Context, o *domain.Order) (err error) {
	ctx, span := s.start(ctx, "OrderStore.Create", attribute.String("order.id", o.ID))
	defer func() { endSpan(span, err) }()

	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("order store: encode address: %w", err)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (id, user_id, status, payment_status, total_amount, shipping_address,
				payment_intent_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			o.ID, o.UserID, string(o.Status), string(o.PaymentStatus), o.TotalAmount, address,
			nullable(o.PaymentIntentID), o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return mapWriteError("insert order", err)
		}
		for _, it := range o.Items {
			_, err := tx.Exec(ctx, `
				INSERT INTO order_items (id, order_id, product_id, quantity, price, stock_adjusted)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				it.ID, o.ID, it.ProductID, it.Quantity, it.Price, it.StockAdjusted,
			)
			if err != nil {
				return mapWriteError("insert order item", err)
			}
		}
		return nil
	})
}

func (s *OrderStore) FindByID(ctx context.Context, id string) (_ *domain.Order, err error) {
	ctx, span := s.start(ctx, "OrderStore.FindByID", attribute.String("order.id", id))
	defer func() { endSpan(span, ignoreNotFound(err)) }()

	return s.findOne(ctx, s.pool, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (s *OrderStore) FindByPaymentIntentID(ctx context.Context, intentID string) (_ *domain.Order, err error) {
	ctx, span := s.start(ctx, "OrderStore.FindByPaymentIntentID", attribute.String("payment.intent_id", intentID))
	defer func() { endSpan(span, ignoreNotFound(err)) }()

	return s.findOne(ctx, s.pool, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, intentID)
}

func (s *OrderStore) ListByUser(ctx context.Context, userID string) (_ []*domain.Order, err error) {
	ctx, span := s.start(ctx, "OrderStore.ListByUser", attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	return s.findMany(ctx, s.pool, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
}

// UpdateStatus locks the row so the WriteAllowed check and the write see the same state.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.Status, payment domain.PaymentStatus) (changed bool, err error) {
	ctx, span := s.start(ctx, "OrderStore.UpdateStatus",
		attribute.String("order.id", id),
		attribute.String("order.status", string(status)),
		attribute.String("order.payment_status", string(payment)),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("order.changed", changed))
		endSpan(span, err)
	}()

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var cur domain.Status
		var curPayment domain.PaymentStatus
		err := tx.QueryRow(ctx, `SELECT status, payment_status FROM orders WHERE id = $1 FOR UPDATE`, id).
			Scan(&cur, &curPayment)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("order store: lock order: %w", err)
		}
		if cur == status && curPayment == payment {
			return nil
		}
		if !domain.WriteAllowed(cur, curPayment, status, payment) {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status = $2, payment_status = $3, updated_at = NOW()
			WHERE id = $1`, id, string(status), string(payment)); err != nil {
			return fmt.Errorf("order store: update status: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *OrderStore) MarkItemsStockAdjusted(ctx context.Context, orderID string, itemIDs []string) (err error) {
	ctx, span := s.start(ctx, "OrderStore.MarkItemsStockAdjusted",
		attribute.String("order.id", orderID),
		attribute.Int("order.items", len(itemIDs)),
	)
	defer func() { endSpan(span, err) }()

	if len(itemIDs) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_items SET stock_adjusted = TRUE
		WHERE order_id = $1 AND id = ANY($2)`, orderID, itemIDs)
	if err != nil {
		return fmt.Errorf("order store: mark stock adjusted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return fmt.Errorf("order store: check order: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

func (s *OrderStore) FindPendingPayment(ctx context.Context, olderThan time.Time, limit int) (_ []*domain.Order, err error) {
	ctx, span := s.start(ctx, "OrderStore.FindPendingPayment", attribute.Int("query.limit", limit))
	defer func() { endSpan(span, err) }()

	return s.findMany(ctx, s.pool, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'pending' AND payment_status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT NULLIF($2::int, 0)`, olderThan, limit)
}

func (s *OrderStore) FindStockPending(ctx context.Context, olderThan time.Time, limit int) (_ []*domain.Order, err error) {
	ctx, span := s.start(ctx, "OrderStore.FindStockPending", attribute.Int("query.limit", limit))
	defer func() { endSpan(span, err) }()

	return s.findMany(ctx, s.pool, `
		SELECT `+orderColumns+` FROM orders o
		WHERE o.status <> 'cancelled' AND o.created_at < $1
		  AND EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id AND NOT i.stock_adjusted)
		ORDER BY o.created_at
		LIMIT NULLIF($2::int, 0)`, olderThan, limit)
}

func (s *OrderStore) findOne(ctx context.Context, q querier, sql string, args ...any) (*domain.Order, error) {
	orders, err := s.findMany(ctx, q, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, domain.ErrNotFound
	}
	return orders[0], nil
}

func (s *OrderStore) findMany(ctx context.Context, q querier, sql string, args ...any) ([]*domain.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("order store: query orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("order store: scan orders: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}
	if err := loadItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func scanOrder(row pgx.CollectableRow) (*domain.Order, error) {
	var (
		o       domain.Order
		total   string
		address []byte
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.PaymentStatus, &total, &address,
		&o.PaymentIntentID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("total_amount %q: %w", total, err)
	}
	o.TotalAmount = amount
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("shipping_address: %w", err)
	}
	return &o, nil
}

func loadItems(ctx context.Context, q querier, orders []*domain.Order) error {
	ids := make([]string, len(orders))
	byID := make(map[string]*domain.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
	}

	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, quantity, price::text, stock_adjusted
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, id`, ids)
	if err != nil {
		return fmt.Errorf("order store: query items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it    domain.Item
			price string
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &price, &it.StockAdjusted); err != nil {
			return fmt.Errorf("order store: scan item: %w", err)
		}
		if it.Price, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("order store: item price %q: %w", price, err)
		}
		if o, ok := byID[it.OrderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("order store: read items: %w", err)
	}
	return nil
}

func (s *OrderStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order store: begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			otel.Handle(rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order store: commit: %w", err)
	}
	return nil
}

func (s *OrderStore) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func ignoreNotFound(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("order store: %s: %w", op, domain.ErrConflict)
	}
	return fmt.Errorf("order store: %s: %w", op, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
