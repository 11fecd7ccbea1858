package order

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const useCaseOrderUpdateStatus = "order.update_status"

type UpdateStatusInput struct {
	OrderID string
	Status  string
}

type UpdateStatusResult struct {
	Order   *domain.Order
	Changed bool
}

// UpdateStatusUseCase is the explicit lifecycle path to completed or cancelled.
// Payment status is only touched when the state machine requires it.
type UpdateStatusUseCase struct {
	repo      domain.Repository
	publisher domoutbox.Publisher
	timeout   time.Duration
	rec       application.Recorder
	ext       application.ExternalObserver
}

// NewUpdateStatusUseCase builds the use case. timeout bounds each store call;
// zero selects the checkout step default.
func NewUpdateStatusUseCase(repo domain.Repository, publisher domoutbox.Publisher, timeout time.Duration, tel observability.Observability) *UpdateStatusUseCase {
	tel = application.Resolve(tel)
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	return &UpdateStatusUseCase{
		repo:      repo,
		publisher: publisher,
		timeout:   timeout,
		rec:       application.NewRecorder(tel, orderService),
		ext:       application.NewExternalObserver(tel.Metrics()),
	}
}

func (uc *UpdateStatusUseCase) Execute(ctx context.Context, cmd UpdateStatusInput) (_ *UpdateStatusResult, err error) {
	ctx, run := uc.rec.Begin(ctx, useCaseOrderUpdateStatus, "UpdateOrderStatus",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.target_status", cmd.Status),
	)
	defer func() { run.End(err) }()

	if strings.TrimSpace(cmd.OrderID) == "" {
		return nil, application.Validation("ORDER_ID_REQUIRED", "order id is required")
	}
	target, perr := domain.ParseStatus(cmd.Status)
	if perr != nil {
		return nil, application.Validation("STATUS_INVALID", "status must be one of pending, processing, completed, cancelled")
	}

	o, err := uc.find(ctx, cmd.OrderID)
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	from := o.Status

	changed, terr := o.ChangeStatus(target)
	if terr != nil {
		if errors.Is(terr, domain.ErrInvalidStateTransition) {
			return nil, application.NewError(application.KindConflict, "INVALID_STATE_TRANSITION",
				"cannot move order from "+string(from)+" to "+string(target), terr)
		}
		return nil, application.NewError(application.KindValidation, "STATUS_INVALID", "invalid status", terr)
	}
	if !changed {
		run.Status = "NOOP"
		return &UpdateStatusResult{Order: o}, nil
	}

	updCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	stored, err := uc.repo.UpdateStatus(updCtx, o.ID, o.Status, o.PaymentStatus)
	cancel()
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	if !stored {
		// Another writer moved the order after it was read; report what the store holds.
		return uc.refused(ctx, run, o.ID, target)
	}
	if perr := application.PublishBestEffort(ctx, uc.publisher, uc.ext, run.Logger, domain.NewOrderStatusChangedEvent(o, from)); perr != nil {
		run.Status = "EVENT_PUBLISH_FAILED"
	}
	run.Field("from", string(from))
	run.Field("to", string(o.Status))
	return &UpdateStatusResult{Order: o, Changed: true}, nil
}

func (uc *UpdateStatusUseCase) find(ctx context.Context, id string) (*domain.Order, error) {
	findCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()
	return uc.repo.FindByID(findCtx, id)
}

func (uc *UpdateStatusUseCase) refused(ctx context.Context, run *application.Run, id string, target domain.Status) (*UpdateStatusResult, error) {
	current, err := uc.find(ctx, id)
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	if current.Status == target {
		run.Status = "NOOP"
		return &UpdateStatusResult{Order: current}, nil
	}
	run.Field("stored_status", string(current.Status))
	run.Field("stored_payment_status", string(current.PaymentStatus))
	return nil, application.NewError(application.KindConflict, "ORDER_CHANGED_CONCURRENTLY",
		"order is now "+string(current.Status)+"/"+string(current.PaymentStatus)+"; cannot move it to "+string(target),
		domain.ErrInvalidStateTransition)
}
