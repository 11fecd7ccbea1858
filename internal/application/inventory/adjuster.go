package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

const (
	inventoryPeer      = "inventory"
	endpointAdjust     = "adjust_stock"
	defaultRetries     = 3
	defaultBackoff     = 50 * time.Millisecond
	defaultCallTimeout = 2 * time.Second
)

type AdjusterConfig struct {
	// Retries is the number of extra attempts after a ConcurrentUpdate conflict.
	// Zero selects the default; a negative value disables retries.
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

// StockAdjuster decrements stock for order items, retrying optimistic-lock conflicts
// a bounded number of times. Other failures are returned immediately per item.
type StockAdjuster struct {
	client dominv.Client
	cfg    AdjusterConfig
	ext    application.ExternalObserver
	log    observability.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewStockAdjuster(client dominv.Client, cfg AdjusterConfig, tel observability.Observability) *StockAdjuster {
	tel = application.Resolve(tel)
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	return &StockAdjuster{
		client: client,
		cfg:    cfg,
		ext:    application.NewExternalObserver(tel.Metrics()),
		log:    tel.Logger().With(observability.F("component", "stock_adjuster")),
		sleep:  sleepCtx,
	}
}

type FailedItem struct {
	Item domorder.Item
	Err  error
}

// Adjustment reports which items had their stock decremented.
type Adjustment struct {
	Adjusted []domorder.Item
	Failed   []FailedItem
}

func (a Adjustment) AdjustedIDs() []string {
	ids := make([]string, 0, len(a.Adjusted))
	for _, it := range a.Adjusted {
		ids = append(ids, it.ID)
	}
	return ids
}

func (a Adjustment) FailedProductIDs() []string {
	ids := make([]string, 0, len(a.Failed))
	for _, f := range a.Failed {
		ids = append(ids, f.Item.ProductID)
	}
	return ids
}

// Err joins the per-item failures, or returns nil when every item was adjusted.
func (a Adjustment) Err() error {
	if len(a.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(a.Failed))
	for _, f := range a.Failed {
		errs = append(errs, fmt.Errorf("product %s: %w", f.Item.ProductID, f.Err))
	}
	return errors.Join(errs...)
}

// Decrement removes each item's quantity from stock. Items already marked
// StockAdjusted are skipped.
func (a *StockAdjuster) Decrement(ctx context.Context, items []domorder.Item) Adjustment {
	var res Adjustment
	for _, it := range items {
		if it.StockAdjusted {
			continue
		}
		if err := a.adjustOne(ctx, it.ProductID, -it.Quantity); err != nil {
			res.Failed = append(res.Failed, FailedItem{Item: it, Err: err})
			continue
		}
		res.Adjusted = append(res.Adjusted, it)
	}
	return res
}

// Restore puts back the quantity of items whose stock was already decremented, for
// orders cancelled after the fact.
func (a *StockAdjuster) Restore(ctx context.Context, items []domorder.Item) Adjustment {
	var res Adjustment
	for _, it := range items {
		if !it.StockAdjusted {
			continue
		}
		if err := a.adjustOne(ctx, it.ProductID, it.Quantity); err != nil {
			res.Failed = append(res.Failed, FailedItem{Item: it, Err: err})
			continue
		}
		res.Adjusted = append(res.Adjusted, it)
	}
	return res
}

func (a *StockAdjuster) adjustOne(ctx context.Context, productID string, delta int) error {
	logger := logctx.FromOr(ctx, a.log)
	var err error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		start := time.Now()
		err = a.client.AdjustStock(callCtx, productID, delta)
		cancel()
		a.ext.Observe(inventoryPeer, endpointAdjust, start, err)

		if err == nil || !errors.Is(err, dominv.ErrConcurrentUpdate) {
			return err
		}
		if attempt == a.cfg.Retries {
			break
		}
		logger.Debug("stock_adjust_conflict_retry",
			observability.F("product_id", productID),
			observability.F("attempt", attempt+1),
		)
		if serr := a.sleep(ctx, a.cfg.Backoff*time.Duration(attempt+1)); serr != nil {
			return serr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
