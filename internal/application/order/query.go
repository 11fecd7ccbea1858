package order

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	useCaseOrderGet  = "order.get"
	useCaseOrderList = "order.list"
)

type GetOrderInput struct {
	UserID  string
	OrderID string
}

// GetOrderUseCase returns one of the caller's orders. Another user's order is
// reported as not found.
type GetOrderUseCase struct {
	repo    domain.Repository
	timeout time.Duration
	rec     application.Recorder
}

func NewGetOrderUseCase(repo domain.Repository, timeout time.Duration, tel observability.Observability) *GetOrderUseCase {
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	return &GetOrderUseCase{repo: repo, timeout: timeout, rec: application.NewRecorder(tel, orderService)}
}

func (uc *GetOrderUseCase) Execute(ctx context.Context, cmd GetOrderInput) (_ *domain.Order, err error) {
	ctx, run := uc.rec.Begin(ctx, useCaseOrderGet, "GetOrder",
		attribute.String("order.id", cmd.OrderID),
	)
	defer func() { run.End(err) }()

	if strings.TrimSpace(cmd.OrderID) == "" {
		return nil, application.Validation("ORDER_ID_REQUIRED", "order id is required")
	}
	findCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	o, err := uc.repo.FindByID(findCtx, cmd.OrderID)
	cancel()
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	if o.UserID != cmd.UserID {
		return nil, application.NewError(application.KindNotFound, "ORDER_NOT_FOUND", "order not found", ErrNotFound)
	}
	return o, nil
}

type ListOrdersInput struct {
	UserID string
}

type ListOrdersUseCase struct {
	repo    domain.Repository
	timeout time.Duration
	rec     application.Recorder
}

func NewListOrdersUseCase(repo domain.Repository, timeout time.Duration, tel observability.Observability) *ListOrdersUseCase {
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	return &ListOrdersUseCase{repo: repo, timeout: timeout, rec: application.NewRecorder(tel, orderService)}
}

// Execute lists the caller's orders with their items, newest first.
func (uc *ListOrdersUseCase) Execute(ctx context.Context, cmd ListOrdersInput) (_ []*domain.Order, err error) {
	ctx, run := uc.rec.Begin(ctx, useCaseOrderList, "ListOrders")
	defer func() { run.End(err) }()

	if strings.TrimSpace(cmd.UserID) == "" {
		return nil, application.Validation("USER_ID_REQUIRED", "user id is required")
	}
	listCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	orders, err := uc.repo.ListByUser(listCtx, cmd.UserID)
	cancel()
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	run.Field("count", len(orders))
	return orders, nil
}

func wrapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return application.NewError(application.KindNotFound, "ORDER_NOT_FOUND", "order not found", err)
	case errors.Is(err, domain.ErrConflict):
		return application.NewError(application.KindConflict, "ORDER_CONFLICT", "order conflict", err)
	default:
		return application.NewError(application.KindPersistence, "REPOSITORY_FAILED", "order repository", err)
	}
}
