package inventory

import (
	"context"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
)

const workerService = "inventory_worker"

type WorkerConfig struct {
	Interval time.Duration
	// MinAge keeps the sweep away from checkouts that are still running.
	MinAge    time.Duration
	BatchSize int
	// StoreTimeout bounds the sweep query.
	StoreTimeout time.Duration
}

// Worker repairs missing stock decrements, immediately on a failure event and
// periodically for anything the event path missed.
type Worker struct {
	repo       domorder.Repository
	subscriber domoutbox.Subscriber
	useCase    application.UseCase[RepairStockInput, *RepairStockResult]
	cfg        WorkerConfig
	rec        application.Recorder
	now        func() time.Time
}

func NewWorker(
	repo domorder.Repository,
	subscriber domoutbox.Subscriber,
	useCase application.UseCase[RepairStockInput, *RepairStockResult],
	cfg WorkerConfig,
	tel observability.Observability,
) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Worker{
		repo:       repo,
		subscriber: subscriber,
		useCase:    useCase,
		cfg:        cfg,
		rec:        application.NewRecorder(tel, workerService),
		now:        time.Now,
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil || w.useCase == nil {
		return
	}
	w.subscriber.Subscribe(dominv.StockAdjustmentFailedEvent{}.EventName(), w.handleStockAdjustmentFailed)
}

// Run sweeps every Interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	logger := logctx.FromOr(ctx, w.rec.Logger())
	logger.Info("stock_repair_sweep_started", observability.F("interval", w.cfg.Interval.String()))
	for {
		select {
		case <-ctx.Done():
			logger.Info("stock_repair_sweep_stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				logger.Warn("stock_repair_sweep_failed", observability.F("error", err.Error()))
			}
		}
	}
}

// Sweep repairs one batch of orders with pending stock and reports how many were fixed.
func (w *Worker) Sweep(ctx context.Context) (repaired int, err error) {
	ctx, run := w.rec.Begin(ctx, "inventory.worker.sweep", "StockRepairSweep")
	defer func() { run.End(err) }()

	queryCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	orders, err := w.repo.FindStockPending(queryCtx, w.now().Add(-w.cfg.MinAge), w.cfg.BatchSize)
	cancel()
	if err != nil {
		return 0, application.NewError(application.KindPersistence, "SWEEP_QUERY_FAILED", "find stock-pending orders", err)
	}
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		// Sweep candidates are older than MinAge, so an unpaid order that cannot be
		// fulfilled is voided here.
		res, rerr := w.useCase.Execute(ctx, RepairStockInput{OrderID: o.ID, Void: true})
		if rerr == nil && (len(res.Remaining) == 0 || res.Cancelled) {
			repaired++
		}
	}
	run.Field("candidates", len(orders))
	run.Field("repaired", repaired)
	return repaired, nil
}

func (w *Worker) handleStockAdjustmentFailed(ctx context.Context, e domoutbox.Event) (err error) {
	const useCase = "inventory.worker.stock_adjustment_failed"
	evt, ok := e.(dominv.StockAdjustmentFailedEvent)
	if !ok {
		w.rec.Count(useCase, "ignored")
		return nil
	}

	ctx, run := w.rec.Begin(ctx, useCase, "StockAdjustmentFailed",
		attribute.String("event", e.EventName()),
		attribute.String("order.id", evt.OrderID),
	)
	defer func() { run.End(err) }()
	run.Field("order_id", evt.OrderID)
	run.Field("reason", evt.Reason)

	if _, err = w.useCase.Execute(ctx, RepairStockInput{OrderID: evt.OrderID}); err != nil {
		// The sweep picks the order up again.
		run.Fail("REPAIR_DEFERRED")
	}
	return err
}
