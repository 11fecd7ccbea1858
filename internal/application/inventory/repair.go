package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	inventoryService     = "inventory-service"
	useCaseRepairStock   = "inventory.repair_stock"
	gatewayPeer          = "payment_gateway"
	endpointCancel       = "cancel_intent"
	defaultCancelTimeout = 5 * time.Second
	defaultStoreTimeout  = 3 * time.Second
)

var ErrStockRepair = errors.New("inventory: stock repair incomplete")

type RepairStockInput struct {
	OrderID string
	// Void permits cancelling an unpaid order whose stock ran out. The event path
	// leaves it unset so the buyer keeps the chance to pay until the sweep runs.
	Void bool
}

type RepairStockResult struct {
	Adjusted  []string
	Remaining []string
	// Cancelled is set when the order could never be fulfilled and was voided.
	Cancelled bool
}

// RepairStockUseCase re-applies the stock decrements an order is still missing.
// Only items without a confirmed decrement are touched, so repeated runs converge.
type RepairStockUseCase struct {
	repo      domorder.Repository
	adjuster  *StockAdjuster
	gateway   dompay.Gateway
	publisher domoutbox.Publisher
	timeout   time.Duration
	rec       application.Recorder
	ext       application.ExternalObserver
}

// NewRepairStockUseCase builds the use case. storeTimeout bounds each order store
// call; zero selects the default.
func NewRepairStockUseCase(
	repo domorder.Repository,
	adjuster *StockAdjuster,
	gateway dompay.Gateway,
	publisher domoutbox.Publisher,
	storeTimeout time.Duration,
	tel observability.Observability,
) *RepairStockUseCase {
	tel = application.Resolve(tel)
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &RepairStockUseCase{
		repo:      repo,
		adjuster:  adjuster,
		gateway:   gateway,
		publisher: publisher,
		timeout:   storeTimeout,
		rec:       application.NewRecorder(tel, inventoryService),
		ext:       application.NewExternalObserver(tel.Metrics()),
	}
}

func (uc *RepairStockUseCase) Execute(ctx context.Context, cmd RepairStockInput) (_ *RepairStockResult, err error) {
	ctx, run := uc.rec.Begin(ctx, useCaseRepairStock, "RepairStock",
		attribute.String("order.id", cmd.OrderID),
	)
	defer func() { run.End(err) }()
	run.Field("order_id", cmd.OrderID)

	if strings.TrimSpace(cmd.OrderID) == "" {
		return nil, application.Validation("ORDER_ID_REQUIRED", "order id is required")
	}
	o, err := uc.find(ctx, cmd.OrderID)
	if err != nil {
		if errors.Is(err, domorder.ErrNotFound) {
			return nil, application.NewError(application.KindNotFound, "ORDER_NOT_FOUND", "order not found", err)
		}
		return nil, application.NewError(application.KindPersistence, "ORDER_LOAD_FAILED", "load order", err)
	}
	if o.Status == domorder.StatusCancelled {
		run.Status = "ORDER_CANCELLED"
		return &RepairStockResult{}, nil
	}
	pending := o.PendingStockItems()
	if len(pending) == 0 {
		run.Status = "NOTHING_TO_REPAIR"
		return &RepairStockResult{}, nil
	}

	adj := uc.adjuster.Decrement(ctx, pending)
	res := &RepairStockResult{Adjusted: adj.AdjustedIDs(), Remaining: adj.FailedProductIDs()}
	if len(res.Adjusted) > 0 {
		markCtx, cancel := context.WithTimeout(ctx, uc.timeout)
		err = uc.repo.MarkItemsStockAdjusted(markCtx, o.ID, res.Adjusted)
		cancel()
		if err != nil {
			return nil, application.NewError(application.KindPersistence, "MARK_ADJUSTED_FAILED", "mark items adjusted", err)
		}
		o.MarkStockAdjusted(res.Adjusted...)
	}
	run.Field("adjusted_items", len(res.Adjusted))

	if len(adj.Failed) == 0 {
		_ = application.PublishBestEffort(ctx, uc.publisher, uc.ext, run.Logger,
			dominv.NewStockAdjustedEvent(o.ID, productIDs(o.Items)))
		return res, nil
	}

	if !hasInsufficient(adj) {
		return res, application.NewError(application.KindStockAdjustment, "STOCK_REPAIR_INCOMPLETE",
			"some items are still pending", fmt.Errorf("%w: %w", ErrStockRepair, adj.Err()))
	}

	// Stock ran out after checkout validated it. An unpaid order is voided; a paid one
	// needs a human decision (refund or backorder).
	if o.PaymentStatus == domorder.PaymentPaid {
		run.Logger.Error("stock_repair_requires_operator",
			observability.F("order_id", o.ID),
			observability.F("product_ids", res.Remaining),
		)
		return res, application.NewError(application.KindStockAdjustment, "MANUAL_ACTION_REQUIRED",
			"paid order cannot be fulfilled from stock", fmt.Errorf("%w: %w", ErrStockRepair, adj.Err()))
	}

	if !cmd.Void {
		run.Status = "VOID_DEFERRED"
		run.Field("product_ids", res.Remaining)
		return res, nil
	}
	voided, err := uc.void(ctx, run, o)
	if err != nil {
		return res, err
	}
	res.Cancelled = voided
	return res, nil
}

func (uc *RepairStockUseCase) find(ctx context.Context, id string) (*domorder.Order, error) {
	findCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()
	return uc.repo.FindByID(findCtx, id)
}

// void cancels an unpaid order and puts back the stock it already took. It reports
// false when another writer changed the order first; nothing is restored then.
func (uc *RepairStockUseCase) void(ctx context.Context, run *application.Run, o *domorder.Order) (bool, error) {
	from := o.Status
	if _, err := o.ChangeStatus(domorder.StatusCancelled); err != nil {
		return false, application.NewError(application.KindConflict, "INVALID_STATE_TRANSITION", "cancel order", err)
	}
	if _, err := o.MarkPaymentFailed(); err != nil {
		return false, application.NewError(application.KindConflict, "INVALID_STATE_TRANSITION", "fail payment", err)
	}

	if o.PaymentIntentID != "" && uc.gateway != nil {
		callCtx, cancel := context.WithTimeout(ctx, defaultCancelTimeout)
		start := time.Now()
		cerr := uc.gateway.CancelIntent(callCtx, o.PaymentIntentID)
		cancel()
		uc.ext.Observe(gatewayPeer, endpointCancel, start, cerr)
		if cerr != nil && !errors.Is(cerr, dompay.ErrIntentNotFound) {
			// Keep the order as is so the next sweep retries the whole void.
			return false, application.NewError(application.KindGateway, "INTENT_CANCEL_FAILED", "cancel payment intent", cerr)
		}
	}

	updCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	stored, err := uc.repo.UpdateStatus(updCtx, o.ID, o.Status, o.PaymentStatus)
	cancel()
	if err != nil {
		return false, application.NewError(application.KindPersistence, "ORDER_UPDATE_FAILED", "persist cancellation", err)
	}
	if !stored {
		return false, uc.refused(ctx, run, o.ID)
	}

	restored := uc.adjuster.Restore(ctx, o.Items)
	if rerr := restored.Err(); rerr != nil {
		run.Logger.Error("stock_restore_failed",
			observability.F("order_id", o.ID),
			observability.F("product_ids", restored.FailedProductIDs()),
			observability.F("error", rerr.Error()),
		)
	}

	_ = application.PublishBestEffort(ctx, uc.publisher, uc.ext, run.Logger, domorder.NewOrderStatusChangedEvent(o, from))
	_ = application.PublishBestEffort(ctx, uc.publisher, uc.ext, run.Logger,
		domorder.NewOrderPaymentFailedEvent(o, dominv.FailureReasonInsufficientStock))
	run.Status = "ORDER_VOIDED"
	return true, nil
}

// refused reports a cancellation the store skipped because the order moved on.
// An order someone else already cancelled is not an error.
func (uc *RepairStockUseCase) refused(ctx context.Context, run *application.Run, id string) error {
	current, err := uc.find(ctx, id)
	if err != nil {
		return application.NewError(application.KindPersistence, "ORDER_LOAD_FAILED", "reload order", err)
	}
	run.Field("stored_status", string(current.Status))
	run.Field("stored_payment_status", string(current.PaymentStatus))
	if current.Status == domorder.StatusCancelled {
		run.Status = "ALREADY_CANCELLED"
		return nil
	}
	run.Logger.Warn("stock_repair_void_refused",
		observability.F("order_id", id),
		observability.F("order_status", string(current.Status)),
		observability.F("payment_status", string(current.PaymentStatus)),
	)
	return application.NewError(application.KindConflict, "ORDER_CHANGED_CONCURRENTLY",
		"order changed before it could be voided", domorder.ErrInvalidStateTransition)
}

func hasInsufficient(adj Adjustment) bool {
	for _, f := range adj.Failed {
		if errors.Is(f.Err, dominv.ErrInsufficientStock) {
			return true
		}
	}
	return false
}

func productIDs(items []domorder.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ProductID)
	}
	return out
}
