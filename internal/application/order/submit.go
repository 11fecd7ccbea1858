package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	appinv "github.com/Zhima-Mochi/minishop-checkout/internal/application/inventory"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	orderService       = "order-service"
	useCaseOrderSubmit = "order.submit"

	inventoryPeer      = "inventory"
	endpointGetProduct = "get_product"
	gatewayPeer        = "payment_gateway"
	endpointCreate     = "create_intent"
	endpointCancel     = "cancel_intent"
	storePeer          = "order_store"
	endpointStoreWrite = "create_order"

	DefaultCurrency    = "usd"
	defaultStepTimeout = 5 * time.Second

	// MaxItemQuantity caps one product line after repeated lines are merged.
	MaxItemQuantity = 10000
)

type SubmitOptions struct {
	Currency string
	// StepTimeout bounds each inventory read, gateway call and store write.
	StepTimeout time.Duration
}

// SubmitOrderUseCase drives checkout: validate stock, authorize payment, persist the
// order, then decrement stock. The steps share no transaction; a failure after the
// intent exists is compensated or tagged instead of rolled back.
type SubmitOrderUseCase struct {
	repo        domain.Repository
	inventory   dominv.Client
	gateway     dompay.Gateway
	adjuster    *appinv.StockAdjuster
	idGenerator IDGenerator
	publisher   domoutbox.Publisher
	opts        SubmitOptions
	tel         observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	sideEffects  observability.Counter   // checkout_side_effects_total{kind}
	ext          application.ExternalObserver
}

func NewSubmitOrderUseCase(
	repo domain.Repository,
	inventory dominv.Client,
	gateway dompay.Gateway,
	adjuster *appinv.StockAdjuster,
	idGen IDGenerator,
	publisher domoutbox.Publisher,
	opts SubmitOptions,
	tel observability.Observability,
) *SubmitOrderUseCase {
	tel = application.Resolve(tel)
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if adjuster == nil {
		adjuster = appinv.NewStockAdjuster(inventory, appinv.AdjusterConfig{}, tel)
	}
	m := tel.Metrics()

	return &SubmitOrderUseCase{
		repo:         repo,
		inventory:    inventory,
		gateway:      gateway,
		adjuster:     adjuster,
		idGenerator:  idGen,
		publisher:    publisher,
		opts:         opts,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", orderService)),
		reqCounter:   m.Counter(observability.MUsecaseRequests),
		durHistogram: m.Histogram(observability.MUsecaseDuration),
		sideEffects:  m.Counter(observability.MCheckoutSideEffects),
		ext:          application.NewExternalObserver(m),
	}
}

type ItemInput struct {
	ProductID string
	Quantity  int
}

type SubmitOrderInput struct {
	UserID          string
	Items           []ItemInput
	ShippingAddress domain.ShippingAddress
}

type SubmitOrderResult struct {
	Order        *domain.Order
	ClientSecret string
}

// Execute runs the checkout. When only the final stock decrement fails, both the
// result and a KindStockAdjustment error are returned: the order exists and the
// caller should still complete payment.
func (uc *SubmitOrderUseCase) Execute(ctx context.Context, cmd SubmitOrderInput) (_ *SubmitOrderResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseOrderSubmit),
		observability.F("user_id", cmd.UserID),
	)

	var orderID string
	var sideEffects []string

	ctx, span := uc.tel.Tracer().Start(ctx, application.SpanPrefix+"SubmitOrder",
		attribute.String("use_case", useCaseOrderSubmit),
		attribute.String("order.user_id", cmd.UserID),
		attribute.Int("order.item_count", len(cmd.Items)),
	)
	ctx = logctx.With(ctx, logger)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		lat := time.Since(start).Seconds()

		if span != nil {
			if err != nil && outcome == "error" {
				span.RecordError(err)
				span.SetStatus(codes.Error, statusText)
			} else {
				span.SetStatus(codes.Ok, statusText)
			}
			span.End()
		}

		if uc.reqCounter != nil {
			uc.reqCounter.Add(1,
				observability.L("use_case", useCaseOrderSubmit),
				observability.L("outcome", outcome),
			)
		}
		if uc.durHistogram != nil {
			uc.durHistogram.Observe(lat,
				observability.L("use_case", useCaseOrderSubmit),
			)
		}
		for _, se := range sideEffects {
			uc.sideEffects.Add(1, observability.L("kind", se))
		}

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if orderID != "" {
			fields = append(fields, observability.F("order_id", orderID))
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if len(sideEffects) > 0 {
			fields = append(fields, observability.F("side_effects", sideEffects))
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}

		if len(sideEffects) > 0 && outcome == "error" {
			logger.Error("use_case_done", fields...)
			return
		}
		logger.Info("use_case_done", fields...)
	}()

	lines, verr := normalize(cmd)
	if verr != nil {
		outcome, statusText = "error", verr.Code
		return nil, verr
	}

	// Step 1: every item must exist with enough stock before anything irreversible happens.
	products := make(map[string]*dominv.Product, len(lines))
	for _, line := range lines {
		p, perr := uc.getProduct(ctx, line.ProductID)
		if perr != nil {
			outcome, statusText = "error", application.CodeOf(perr)
			return nil, perr
		}
		if !p.CanFulfil(line.Quantity) {
			outcome, statusText = "error", "INSUFFICIENT_STOCK"
			span.SetAttributes(attribute.String("order.rejected_product_id", line.ProductID))
			return nil, application.NewError(application.KindValidation, statusText,
				fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", line.ProductID, line.Quantity, p.Stock),
				ErrInsufficientStock)
		}
		products[line.ProductID] = p
	}

	// Step 2: total and item snapshots both come from the authoritative catalog price.
	orderID = uc.idGenerator.NewID()
	items := make([]domain.Item, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.Item{
			ID:        uc.idGenerator.NewID(),
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Price:     products[line.ProductID].Price,
		})
	}
	entity, derr := domain.New(orderID, cmd.UserID, items, cmd.ShippingAddress)
	if derr != nil {
		outcome, statusText = "error", "DOMAIN_CONSTRUCTION_FAILED"
		return nil, application.NewError(application.KindValidation, statusText, "construct order", derr)
	}
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.total_amount", entity.TotalAmount.StringFixed(2)),
	)

	// Step 3: authorize. No order exists yet, so a failure here leaves nothing behind.
	intent, gerr := uc.createIntent(ctx, entity)
	if gerr != nil {
		outcome, statusText = "error", "GATEWAY_FAILED"
		return nil, application.NewError(application.KindGateway, statusText, "create payment intent",
			fmt.Errorf("%w: %w", ErrGateway, gerr))
	}
	if aerr := entity.AttachPaymentIntent(intent.ID); aerr != nil {
		outcome, statusText = "error", "GATEWAY_FAILED"
		sideEffects = append(sideEffects, application.SideEffectIntentCreated)
		return nil, application.NewError(application.KindGateway, statusText, "gateway returned no intent id",
			fmt.Errorf("%w: %w", ErrGateway, aerr), sideEffects...)
	}
	span.SetAttributes(attribute.String("payment.intent_id", intent.ID))

	// Step 4: persist order and items together; compensate the intent on failure.
	if perr := uc.persist(ctx, entity); perr != nil {
		sideEffects = append(sideEffects, application.SideEffectIntentCreated, uc.compensate(ctx, intent.ID))
		outcome, statusText = "error", "ORDER_PERSIST_FAILED"
		return nil, application.NewError(application.KindPersistence, statusText, "persist order",
			fmt.Errorf("%w: %w", ErrPersistence, perr), sideEffects...)
	}
	span.AddEvent("order.persisted", trace.WithAttributes(attribute.String("order.id", orderID)))
	_ = application.PublishBestEffort(ctx, uc.publisher, uc.ext, logger, domain.NewOrderCreatedEvent(entity))

	// Step 5: decrement stock. The order stays valid whatever happens here.
	result := &SubmitOrderResult{Order: entity, ClientSecret: intent.ClientSecret}
	adj := uc.adjuster.Decrement(ctx, entity.Items)
	if ids := adj.AdjustedIDs(); len(ids) > 0 {
		entity.MarkStockAdjusted(ids...)
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.opts.StepTimeout)
		if merr := uc.repo.MarkItemsStockAdjusted(markCtx, entity.ID, ids); merr != nil {
			logger.Error("stock_adjusted_mark_failed",
				observability.F("order_id", entity.ID),
				observability.F("item_ids", ids),
				observability.F("error", merr.Error()),
			)
		}
		cancel()
	}

	if aerr := adj.Err(); aerr != nil {
		failed := adj.FailedProductIDs()
		reason := dominv.FailureReason(adj.Failed[0].Err)
		_ = application.PublishBestEffort(ctx, uc.publisher, uc.ext, logger,
			dominv.NewStockAdjustmentFailedEvent(entity.ID, failed, reason))

		sideEffects = append(sideEffects, application.SideEffectOrderPersisted)
		if len(adj.Adjusted) > 0 {
			sideEffects = append(sideEffects, application.SideEffectStockPartialAdjusted)
		}
		outcome, statusText = "error", "STOCK_ADJUSTMENT_FAILED"
		span.SetAttributes(attribute.StringSlice("inventory.failed_product_ids", failed))
		return result, application.NewError(application.KindStockAdjustment, statusText,
			"order persisted but stock adjustment is pending repair",
			fmt.Errorf("%w: %w", ErrStockAdjustment, aerr), sideEffects...)
	}

	productIDs := make([]string, 0, len(entity.Items))
	for _, it := range entity.Items {
		productIDs = append(productIDs, it.ProductID)
	}
	_ = application.PublishBestEffort(ctx, uc.publisher, uc.ext, logger, dominv.NewStockAdjustedEvent(entity.ID, productIDs))

	span.SetAttributes(attribute.String("order.status", string(entity.Status)))
	return result, nil
}

func (uc *SubmitOrderUseCase) getProduct(ctx context.Context, productID string) (*dominv.Product, error) {
	callCtx, cancel := context.WithTimeout(ctx, uc.opts.StepTimeout)
	defer cancel()

	start := time.Now()
	p, err := uc.inventory.GetProduct(callCtx, productID)
	uc.ext.Observe(inventoryPeer, endpointGetProduct, start, err)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, dominv.ErrNotFound):
		return nil, application.NewError(application.KindNotFound, "PRODUCT_NOT_FOUND",
			"product "+productID+" not found", fmt.Errorf("%w: %w", ErrProductNotFound, err))
	default:
		return nil, application.NewError(application.KindUnavailable, "INVENTORY_UNAVAILABLE",
			"read product "+productID, fmt.Errorf("%w: %w", ErrInventoryUnavailable, err))
	}
}

func (uc *SubmitOrderUseCase) createIntent(ctx context.Context, o *domain.Order) (*dompay.Intent, error) {
	callCtx, cancel := context.WithTimeout(ctx, uc.opts.StepTimeout)
	defer cancel()

	start := time.Now()
	intent, err := uc.gateway.CreateIntent(callCtx, o.TotalAmount, uc.opts.Currency, map[string]string{
		"userId":  o.UserID,
		"orderId": o.ID,
	})
	uc.ext.Observe(gatewayPeer, endpointCreate, start, err)
	return intent, err
}

func (uc *SubmitOrderUseCase) persist(ctx context.Context, o *domain.Order) error {
	callCtx, cancel := context.WithTimeout(ctx, uc.opts.StepTimeout)
	defer cancel()

	start := time.Now()
	err := uc.repo.Create(callCtx, o)
	uc.ext.Observe(storePeer, endpointStoreWrite, start, err)
	return err
}

// compensate voids an intent that has no order. It runs detached from the request
// context so a client disconnect cannot skip it, and reports the resulting side effect.
func (uc *SubmitOrderUseCase) compensate(ctx context.Context, intentID string) string {
	logger := logctx.FromOr(ctx, uc.log)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.opts.StepTimeout)
	defer cancel()

	start := time.Now()
	err := uc.gateway.CancelIntent(callCtx, intentID)
	uc.ext.Observe(gatewayPeer, endpointCancel, start, err)
	if err != nil {
		logger.Error("payment_intent_orphaned",
			observability.F("payment_intent_id", intentID),
			observability.F("error", err.Error()),
		)
		return application.SideEffectIntentCancelFailed
	}
	logger.Warn("payment_intent_compensated", observability.F("payment_intent_id", intentID))
	return application.SideEffectIntentCancelled
}

// normalize validates the request shape and merges repeated product lines so stock is
// checked against the combined quantity.
func normalize(cmd SubmitOrderInput) ([]ItemInput, *application.Error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return nil, application.Validation("USER_ID_REQUIRED", "user id is required")
	}
	if len(cmd.Items) == 0 {
		return nil, application.Validation("ITEMS_REQUIRED", "at least one item is required")
	}
	if err := cmd.ShippingAddress.Validate(); err != nil {
		return nil, application.Validation("SHIPPING_ADDRESS_INVALID", err.Error())
	}

	index := make(map[string]int, len(cmd.Items))
	lines := make([]ItemInput, 0, len(cmd.Items))
	for _, it := range cmd.Items {
		id := strings.TrimSpace(it.ProductID)
		if id == "" {
			return nil, application.Validation("PRODUCT_ID_REQUIRED", "product id is required")
		}
		if it.Quantity <= 0 {
			return nil, application.Validation("QUANTITY_INVALID", "quantity must be greater than zero")
		}
		if it.Quantity > MaxItemQuantity {
			return nil, quantityTooLarge(id)
		}
		if i, ok := index[id]; ok {
			if it.Quantity > MaxItemQuantity-lines[i].Quantity {
				return nil, quantityTooLarge(id)
			}
			lines[i].Quantity += it.Quantity
			continue
		}
		index[id] = len(lines)
		lines = append(lines, ItemInput{ProductID: id, Quantity: it.Quantity})
	}
	return lines, nil
}

func quantityTooLarge(productID string) *application.Error {
	return application.Validation("QUANTITY_TOO_LARGE",
		fmt.Sprintf("quantity for product %s exceeds %d", productID, MaxItemQuantity))
}
