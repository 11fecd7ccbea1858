package order

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	appinv "github.com/Zhima-Mochi/minishop-checkout/internal/application/inventory"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/id"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var address = domain.ShippingAddress{
	FullName: "Ada Lovelace",
	Email:    "ada@example.com",
	Address:  "12 St James's Square",
	City:     "London",
	Zip:      "SW1Y 4JH",
	Country:  "GB",
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventName())
	}
	return out
}

type failingRepo struct {
	domain.Repository
	createErr error
}

func (r failingRepo) Create(ctx context.Context, o *domain.Order) error {
	if r.createErr != nil {
		return r.createErr
	}
	return r.Repository.Create(ctx, o)
}

type flakyInventory struct {
	*memory.Inventory
	adjustErr   error
	adjustCalls atomic.Int32
}

func (f *flakyInventory) AdjustStock(ctx context.Context, id string, delta int) error {
	f.adjustCalls.Add(1)
	if f.adjustErr != nil {
		return f.adjustErr
	}
	return f.Inventory.AdjustStock(ctx, id, delta)
}

type fixture struct {
	repo      *memory.OrderRepository
	inventory *memory.Inventory
	gateway   *memory.Gateway
	publisher *recordingPublisher
}

func newFixture(products ...dominv.Product) *fixture {
	return &fixture{
		repo:      memory.NewOrderRepository(),
		inventory: memory.NewInventory(products...),
		gateway:   memory.NewGateway(),
		publisher: &recordingPublisher{},
	}
}

func (f *fixture) useCase(repo domain.Repository, inv dominv.Client) *SubmitOrderUseCase {
	if repo == nil {
		repo = f.repo
	}
	if inv == nil {
		inv = f.inventory
	}
	adjuster := appinv.NewStockAdjuster(inv, appinv.AdjusterConfig{Retries: 2, Backoff: time.Millisecond}, nil)
	return NewSubmitOrderUseCase(repo, inv, f.gateway, adjuster, id.NewUUIDGenerator(), f.publisher,
		SubmitOptions{StepTimeout: time.Second}, nil)
}

func product(id, price string, stock int) dominv.Product {
	return dominv.Product{ID: id, Name: id, Price: decimal.RequireFromString(price), Stock: stock}
}

func submit(userID string, items ...ItemInput) SubmitOrderInput {
	return SubmitOrderInput{UserID: userID, Items: items, ShippingAddress: address}
}

func stockOf(t *testing.T, inv *memory.Inventory, productID string) int {
	t.Helper()
	s, ok := inv.Stock(productID)
	require.True(t, ok)
	return s
}

func TestSubmitOrderThenInsufficientStock(t *testing.T) {
	f := newFixture(product("P", "10.00", 5))
	uc := f.useCase(nil, nil)
	ctx := context.Background()

	res, err := uc.Execute(ctx, submit("u-1", ItemInput{ProductID: "P", Quantity: 3}))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, decimal.RequireFromString("30.00").Equal(res.Order.TotalAmount))
	assert.Equal(t, domain.StatusPending, res.Order.Status)
	assert.Equal(t, domain.PaymentPending, res.Order.PaymentStatus)
	assert.NotEmpty(t, res.Order.PaymentIntentID)
	assert.NotEmpty(t, res.ClientSecret)
	assert.Equal(t, 2, stockOf(t, f.inventory, "P"))

	stored, err := f.repo.FindByID(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.True(t, stored.Items[0].StockAdjusted)
	assert.True(t, decimal.RequireFromString("10.00").Equal(stored.Items[0].Price))

	_, err = uc.Execute(ctx, submit("u-1", ItemInput{ProductID: "P", Quantity: 3}))
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, application.KindValidation, application.KindOf(err))
	assert.Equal(t, 2, stockOf(t, f.inventory, "P"))
	assert.Len(t, f.gateway.Intents(), 1)

	orders, err := f.repo.ListByUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Equal(t, []string{"order.created", "inventory.stock_adjusted"}, f.publisher.names())
}

func TestSubmitOrderUsesAuthoritativePrices(t *testing.T) {
	f := newFixture(product("A", "19.99", 10), product("B", "0.10", 10))
	uc := f.useCase(nil, nil)

	res, err := uc.Execute(context.Background(), submit("u-1",
		ItemInput{ProductID: "A", Quantity: 2},
		ItemInput{ProductID: "B", Quantity: 3},
		ItemInput{ProductID: "A", Quantity: 1},
	))
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("60.27").Equal(res.Order.TotalAmount), res.Order.TotalAmount.String())
	require.Len(t, res.Order.Items, 2)
	assert.Equal(t, 3, res.Order.Items[0].Quantity)
	assert.NoError(t, res.Order.CheckTotal())
	assert.Equal(t, 7, stockOf(t, f.inventory, "A"))
	assert.Equal(t, 7, stockOf(t, f.inventory, "B"))

	intents := f.gateway.Intents()
	require.Len(t, intents, 1)
	assert.True(t, res.Order.TotalAmount.Equal(intents[0].Amount))
	assert.Equal(t, "usd", intents[0].Currency)
	assert.Equal(t, "u-1", intents[0].Metadata["userId"])
	assert.Equal(t, res.Order.ID, intents[0].Metadata["orderId"])
}

func TestSubmitOrderMergedLinesCheckCombinedQuantity(t *testing.T) {
	f := newFixture(product("P", "1.00", 3))
	uc := f.useCase(nil, nil)

	_, err := uc.Execute(context.Background(), submit("u-1",
		ItemInput{ProductID: "P", Quantity: 2},
		ItemInput{ProductID: "P", Quantity: 2},
	))
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 3, stockOf(t, f.inventory, "P"))
}

func TestSubmitOrderValidation(t *testing.T) {
	f := newFixture(product("P", "1.00", 3))
	uc := f.useCase(nil, nil)

	noAddress := submit("u-1", ItemInput{ProductID: "P", Quantity: 1})
	noAddress.ShippingAddress = domain.ShippingAddress{}

	tests := []struct {
		name string
		cmd  SubmitOrderInput
		code string
	}{
		{"missing user", submit("", ItemInput{ProductID: "P", Quantity: 1}), "USER_ID_REQUIRED"},
		{"no items", submit("u-1"), "ITEMS_REQUIRED"},
		{"blank product", submit("u-1", ItemInput{ProductID: " ", Quantity: 1}), "PRODUCT_ID_REQUIRED"},
		{"zero quantity", submit("u-1", ItemInput{ProductID: "P", Quantity: 0}), "QUANTITY_INVALID"},
		{"negative quantity", submit("u-1", ItemInput{ProductID: "P", Quantity: -2}), "QUANTITY_INVALID"},
		{"quantity over cap", submit("u-1", ItemInput{ProductID: "P", Quantity: MaxItemQuantity + 1}), "QUANTITY_TOO_LARGE"},
		{"merged quantity over cap", submit("u-1",
			ItemInput{ProductID: "P", Quantity: MaxItemQuantity},
			ItemInput{ProductID: "P", Quantity: 1},
		), "QUANTITY_TOO_LARGE"},
		{"merged quantity overflows", submit("u-1",
			ItemInput{ProductID: "P", Quantity: math.MaxInt},
			ItemInput{ProductID: "P", Quantity: math.MaxInt},
		), "QUANTITY_TOO_LARGE"},
		{"incomplete address", noAddress, "SHIPPING_ADDRESS_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := uc.Execute(context.Background(), tt.cmd)
			require.Error(t, err)
			assert.Equal(t, application.KindValidation, application.KindOf(err))
			assert.Equal(t, tt.code, application.CodeOf(err))
		})
	}
	assert.Empty(t, f.gateway.Intents())
}

func TestSubmitOrderProductNotFound(t *testing.T) {
	f := newFixture(product("P", "1.00", 3))
	uc := f.useCase(nil, nil)

	_, err := uc.Execute(context.Background(), submit("u-1",
		ItemInput{ProductID: "P", Quantity: 1},
		ItemInput{ProductID: "missing", Quantity: 1},
	))
	require.ErrorIs(t, err, ErrProductNotFound)
	assert.Equal(t, application.KindNotFound, application.KindOf(err))
	assert.Empty(t, f.gateway.Intents())
	assert.Equal(t, 3, stockOf(t, f.inventory, "P"))
}

func TestSubmitOrderGatewayFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(product("P", "1.00", 3))
	f.gateway.FailCreate(errors.New("card network down"))
	uc := f.useCase(nil, nil)

	_, err := uc.Execute(context.Background(), submit("u-1", ItemInput{ProductID: "P", Quantity: 1}))
	require.ErrorIs(t, err, ErrGateway)
	assert.ErrorIs(t, err, dompay.ErrGateway)
	assert.Equal(t, application.KindGateway, application.KindOf(err))
	assert.Empty(t, application.SideEffectsOf(err))

	orders, _ := f.repo.ListByUser(context.Background(), "u-1")
	assert.Empty(t, orders)
	assert.Equal(t, 3, stockOf(t, f.inventory, "P"))
}

func TestSubmitOrderPersistenceFailureCancelsIntent(t *testing.T) {
	f := newFixture(product("P", "1.00", 3))
	storeErr := errors.New("connection reset")
	uc := f.useCase(failingRepo{Repository: f.repo, createErr: storeErr}, nil)

	res, err := uc.Execute(context.Background(), submit("u-1", ItemInput{ProductID: "P", Quantity: 1}))
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, application.KindPersistence, application.KindOf(err))
	assert.Equal(t, []string{application.SideEffectIntentCreated, application.SideEffectIntentCancelled}, application.SideEffectsOf(err))

	intents := f.gateway.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, dompay.IntentCanceled, intents[0].Status)
	assert.Equal(t, 3, stockOf(t, f.inventory, "P"))
}

func TestSubmitOrderPersistenceFailureReportsFailedCompensation(t *testing.T) {
	f := newFixture(product("P", "1.00", 3))
	f.gateway.FailCancel(errors.New("timeout"))
	uc := f.useCase(failingRepo{Repository: f.repo, createErr: errors.New("disk full")}, nil)

	_, err := uc.Execute(context.Background(), submit("u-1", ItemInput{ProductID: "P", Quantity: 1}))
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, []string{application.SideEffectIntentCreated, application.SideEffectIntentCancelFailed}, application.SideEffectsOf(err))

	intents := f.gateway.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, dompay.IntentRequiresPaymentMethod, intents[0].Status)
}

func TestSubmitOrderStockAdjustmentFailureKeepsOrder(t *testing.T) {
	f := newFixture(product("P", "2.50", 4))
	inv := &flakyInventory{Inventory: f.inventory, adjustErr: dominv.ErrConcurrentUpdate}
	uc := f.useCase(nil, inv)

	res, err := uc.Execute(context.Background(), submit("u-1", ItemInput{ProductID: "P", Quantity: 2}))
	require.ErrorIs(t, err, ErrStockAdjustment)
	assert.ErrorIs(t, err, dominv.ErrConcurrentUpdate)
	assert.Equal(t, application.KindStockAdjustment, application.KindOf(err))
	assert.Equal(t, []string{application.SideEffectOrderPersisted}, application.SideEffectsOf(err))
	assert.Equal(t, int32(3), inv.adjustCalls.Load())

	require.NotNil(t, res)
	assert.NotEmpty(t, res.ClientSecret)
	stored, ferr := f.repo.FindByID(context.Background(), res.Order.ID)
	require.NoError(t, ferr)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Len(t, stored.PendingStockItems(), 1)
	assert.Equal(t, 4, stockOf(t, f.inventory, "P"))
	assert.Contains(t, f.publisher.names(), "inventory.stock_adjustment_failed")
}

func TestSubmitOrderConcurrentCheckoutsNeverOversell(t *testing.T) {
	const stock, buyers = 10, 25
	f := newFixture(product("P", "5.00", stock))
	uc := f.useCase(nil, nil)

	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := uc.Execute(context.Background(), submit("u-1", ItemInput{ProductID: "P", Quantity: 1}))
			if err == nil {
				succeeded.Add(1)
				return
			}
			kind := application.KindOf(err)
			assert.True(t, kind == application.KindValidation || kind == application.KindStockAdjustment, "unexpected kind %s", kind)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(stock), succeeded.Load())
	assert.Equal(t, 0, stockOf(t, f.inventory, "P"))
}
