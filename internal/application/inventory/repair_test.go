package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repairFixture struct {
	repo      *memory.OrderRepository
	inventory *memory.Inventory
	gateway   *memory.Gateway
	events    *eventLog
	uc        *RepairStockUseCase
}

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) Publish(_ context.Context, e domoutbox.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, e.EventName())
	return nil
}

func (l *eventLog) published() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func newRepairFixture(products ...dominv.Product) *repairFixture {
	f := &repairFixture{
		repo:      memory.NewOrderRepository(),
		inventory: memory.NewInventory(products...),
		gateway:   memory.NewGateway(),
		events:    &eventLog{},
	}
	adjuster := NewStockAdjuster(f.inventory, AdjusterConfig{Retries: -1}, nil)
	f.uc = NewRepairStockUseCase(f.repo, adjuster, f.gateway, f.events, 0, nil)
	return f
}

func (f *repairFixture) seed(t *testing.T, id string, items ...domorder.Item) *domorder.Order {
	t.Helper()
	o, err := domorder.New(id, "u-1", items, domorder.ShippingAddress{
		FullName: "A", Email: "a@example.com", Address: "1 Road", City: "Town", Zip: "1", Country: "US",
	})
	require.NoError(t, err)
	intent, err := f.gateway.CreateIntent(context.Background(), o.TotalAmount, "usd", nil)
	require.NoError(t, err)
	require.NoError(t, o.AttachPaymentIntent(intent.ID))
	o.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.repo.Create(context.Background(), o))
	return o
}

func item(id, productID string, qty int, adjusted bool) domorder.Item {
	return domorder.Item{ID: id, ProductID: productID, Quantity: qty, Price: decimal.RequireFromString("1.00"), StockAdjusted: adjusted}
}

func stock(f *repairFixture, id string) int {
	s, _ := f.inventory.Stock(id)
	return s
}

func TestRepairAdjustsOnlyMissingItems(t *testing.T) {
	f := newRepairFixture(
		dominv.Product{ID: "A", Price: decimal.RequireFromString("1.00"), Stock: 10},
		dominv.Product{ID: "B", Price: decimal.RequireFromString("1.00"), Stock: 10},
	)
	o := f.seed(t, "o-1", item("i-a", "A", 2, true), item("i-b", "B", 3, false))

	res, err := f.uc.Execute(context.Background(), RepairStockInput{OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-b"}, res.Adjusted)
	assert.Equal(t, 10, stock(f, "A"))
	assert.Equal(t, 7, stock(f, "B"))

	stored, err := f.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PendingStockItems())

	res, err = f.uc.Execute(context.Background(), RepairStockInput{OrderID: o.ID})
	require.NoError(t, err)
	assert.Empty(t, res.Adjusted)
	assert.Equal(t, 7, stock(f, "B"))
}

func TestRepairVoidsUnpaidOrderWhenStockRanOut(t *testing.T) {
	f := newRepairFixture(
		dominv.Product{ID: "A", Stock: 0},
		dominv.Product{ID: "B", Stock: 1},
	)
	o := f.seed(t, "o-1", item("i-a", "A", 1, false), item("i-b", "B", 4, true))

	res, err := f.uc.Execute(context.Background(), RepairStockInput{OrderID: o.ID, Void: true})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, []string{"A"}, res.Remaining)

	stored, err := f.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusCancelled, stored.Status)
	assert.Equal(t, domorder.PaymentFailed, stored.PaymentStatus)
	assert.Equal(t, 5, stock(f, "B"))

	intent, err := f.gateway.GetIntent(context.Background(), o.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, dompay.IntentCanceled, intent.Status)
}

func TestRepairLeavesPaidOrderForOperator(t *testing.T) {
	f := newRepairFixture(dominv.Product{ID: "A", Stock: 0})
	o := f.seed(t, "o-1", item("i-a", "A", 1, false))
	_, err := f.repo.UpdateStatus(context.Background(), o.ID, domorder.StatusProcessing, domorder.PaymentPaid)
	require.NoError(t, err)

	_, err = f.uc.Execute(context.Background(), RepairStockInput{OrderID: o.ID})
	require.ErrorIs(t, err, ErrStockRepair)
	assert.Equal(t, application.KindStockAdjustment, application.KindOf(err))
	assert.Equal(t, "MANUAL_ACTION_REQUIRED", application.CodeOf(err))

	stored, err := f.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusProcessing, stored.Status)
	assert.Equal(t, domorder.PaymentPaid, stored.PaymentStatus)
}

func TestRepairSkipsCancelledAndMissingOrders(t *testing.T) {
	f := newRepairFixture(dominv.Product{ID: "A", Stock: 5})
	o := f.seed(t, "o-1", item("i-a", "A", 1, false))
	_, err := f.repo.UpdateStatus(context.Background(), o.ID, domorder.StatusCancelled, domorder.PaymentPending)
	require.NoError(t, err)

	res, err := f.uc.Execute(context.Background(), RepairStockInput{OrderID: o.ID})
	require.NoError(t, err)
	assert.Empty(t, res.Adjusted)
	assert.Equal(t, 5, stock(f, "A"))

	_, err = f.uc.Execute(context.Background(), RepairStockInput{OrderID: "missing"})
	assert.Equal(t, application.KindNotFound, application.KindOf(err))
}

type captureSubscriber struct {
	handlers map[string]domoutbox.Handler
}

func (s *captureSubscriber) Subscribe(name string, h domoutbox.Handler) {
	if s.handlers == nil {
		s.handlers = map[string]domoutbox.Handler{}
	}
	s.handlers[name] = h
}

func TestWorkerRepairsOnFailureEvent(t *testing.T) {
	f := newRepairFixture(dominv.Product{ID: "A", Stock: 5})
	o := f.seed(t, "o-1", item("i-a", "A", 2, false))
	sub := &captureSubscriber{}
	w := NewWorker(f.repo, sub, f.uc, WorkerConfig{}, nil)
	w.Start()

	h, ok := sub.handlers["inventory.stock_adjustment_failed"]
	require.True(t, ok)
	require.NoError(t, h(context.Background(), dominv.NewStockAdjustmentFailedEvent(o.ID, []string{"A"}, "unavailable")))
	assert.Equal(t, 3, stock(f, "A"))

	assert.NoError(t, h(context.Background(), dominv.NewStockAdjustedEvent(o.ID, nil)))
}

func TestWorkerSweep(t *testing.T) {
	f := newRepairFixture(dominv.Product{ID: "A", Stock: 5})
	f.seed(t, "o-1", item("i-1", "A", 1, false))
	f.seed(t, "o-2", item("i-2", "A", 1, false))
	f.seed(t, "o-3", item("i-3", "A", 1, true))
	w := NewWorker(f.repo, nil, f.uc, WorkerConfig{MinAge: time.Minute, BatchSize: 10}, nil)

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, stock(f, "A"))

	n, err = w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkerSweepIgnoresFreshOrders(t *testing.T) {
	f := newRepairFixture(dominv.Product{ID: "A", Stock: 5})
	f.seed(t, "o-1", item("i-1", "A", 1, false))
	w := NewWorker(f.repo, nil, f.uc, WorkerConfig{MinAge: 2 * time.Hour}, nil)

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 5, stock(f, "A"))
}

func TestRepairWithoutVoidLeavesUnpaidOrderOpen(t *testing.T) {
	f := newRepairFixture(dominv.Product{ID: "A", Stock: 0})
	o := f.seed(t, "o-1", item("i-a", "A", 1, false))

	res, err := f.uc.Execute(context.Background(), RepairStockInput{OrderID: o.ID})
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, []string{"A"}, res.Remaining)

	stored, err := f.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPending, stored.Status)
	assert.Equal(t, domorder.PaymentPending, stored.PaymentStatus)

	intent, err := f.gateway.GetIntent(context.Background(), o.PaymentIntentID)
	require.NoError(t, err)
	assert.NotEqual(t, dompay.IntentCanceled, intent.Status)
	assert.Empty(t, f.events.published())
}

func TestWorkerEventDefersVoidToSweep(t *testing.T) {
	f := newRepairFixture(dominv.Product{ID: "A", Stock: 0})
	o := f.seed(t, "o-1", item("i-a", "A", 1, false))
	sub := &captureSubscriber{}
	w := NewWorker(f.repo, sub, f.uc, WorkerConfig{MinAge: time.Minute}, nil)
	w.Start()

	h := sub.handlers["inventory.stock_adjustment_failed"]
	require.NoError(t, h(context.Background(), dominv.NewStockAdjustmentFailedEvent(o.ID, []string{"A"}, "insufficient_stock")))
	stored, err := f.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPending, stored.Status)

	_, err = w.Sweep(context.Background())
	require.NoError(t, err)
	stored, err = f.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusCancelled, stored.Status)
	assert.Equal(t, domorder.PaymentFailed, stored.PaymentStatus)
}

// payingRepository lets a payment land between the repair's read and its write.
type payingRepository struct {
	*memory.OrderRepository
	once sync.Once
}

func (r *payingRepository) UpdateStatus(ctx context.Context, id string, status domorder.Status, payment domorder.PaymentStatus) (bool, error) {
	r.once.Do(func() {
		_, _ = r.OrderRepository.UpdateStatus(ctx, id, domorder.StatusProcessing, domorder.PaymentPaid)
	})
	return r.OrderRepository.UpdateStatus(ctx, id, status, payment)
}

func TestRepairVoidRefusedByStoreRestoresNothing(t *testing.T) {
	f := newRepairFixture(
		dominv.Product{ID: "A", Stock: 0},
		dominv.Product{ID: "B", Stock: 1},
	)
	o := f.seed(t, "o-1", item("i-a", "A", 1, false), item("i-b", "B", 4, true))
	repo := &payingRepository{OrderRepository: f.repo}
	adjuster := NewStockAdjuster(f.inventory, AdjusterConfig{Retries: -1}, nil)
	uc := NewRepairStockUseCase(repo, adjuster, f.gateway, f.events, 0, nil)

	res, err := uc.Execute(context.Background(), RepairStockInput{OrderID: o.ID, Void: true})
	require.Error(t, err)
	assert.Equal(t, application.KindConflict, application.KindOf(err))
	assert.Equal(t, "ORDER_CHANGED_CONCURRENTLY", application.CodeOf(err))
	assert.False(t, res.Cancelled)

	stored, err := f.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusProcessing, stored.Status)
	assert.Equal(t, domorder.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, 1, stock(f, "B"))
	assert.Empty(t, f.events.published())
}

type stalledRepository struct {
	domorder.Repository
}

func (stalledRepository) FindByID(ctx context.Context, _ string) (*domorder.Order, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledRepository) FindStockPending(ctx context.Context, _ time.Time, _ int) ([]*domorder.Order, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreCallsAreBounded(t *testing.T) {
	adjuster := NewStockAdjuster(memory.NewInventory(), AdjusterConfig{}, nil)
	uc := NewRepairStockUseCase(stalledRepository{}, adjuster, nil, nil, 20*time.Millisecond, nil)
	w := NewWorker(stalledRepository{}, nil, uc, WorkerConfig{StoreTimeout: 20 * time.Millisecond}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := w.Sweep(context.Background())
		assert.Equal(t, application.KindPersistence, application.KindOf(err))
		_, err = uc.Execute(context.Background(), RepairStockInput{OrderID: "o-1"})
		assert.Equal(t, application.KindPersistence, application.KindOf(err))
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("order store call was not bounded by the timeout")
	}
}
