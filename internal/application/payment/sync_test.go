package payment

import (
	"context"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntent(t *testing.T, g *memory.Gateway) string {
	t.Helper()
	intent, err := g.CreateIntent(context.Background(), decimal.RequireFromString("30.00"), "usd", nil)
	require.NoError(t, err)
	return intent.ID
}

func TestSyncPendingPaymentsFollowsGateway(t *testing.T) {
	repo := memory.NewOrderRepository()
	gateway := memory.NewGateway()
	pub := &recordingPublisher{}

	paid := newIntent(t, gateway)
	voided := newIntent(t, gateway)
	waiting := newIntent(t, gateway)
	seedOrder(t, repo, "o-paid", paid)
	seedOrder(t, repo, "o-voided", voided)
	seedOrder(t, repo, "o-waiting", waiting)
	seedOrder(t, repo, "o-lost", "pi_lost")
	require.NoError(t, gateway.SetStatus(paid, dompay.IntentSucceeded))
	require.NoError(t, gateway.SetStatus(voided, dompay.IntentCanceled))

	apply := NewApplyPaymentEventUseCase(repo, pub, nil)
	uc := NewSyncPendingPaymentsUseCase(repo, gateway, apply, time.Second, nil)

	res, err := uc.Execute(context.Background(), SyncPendingPaymentsInput{OlderThan: time.Now(), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Checked)
	assert.Equal(t, 2, res.Applied)

	o := load(t, repo, "o-paid")
	assert.Equal(t, domorder.StatusProcessing, o.Status)
	assert.Equal(t, domorder.PaymentPaid, o.PaymentStatus)
	assert.Equal(t, domorder.PaymentFailed, load(t, repo, "o-voided").PaymentStatus)
	assert.Equal(t, domorder.PaymentPending, load(t, repo, "o-waiting").PaymentStatus)
	assert.Equal(t, domorder.PaymentPending, load(t, repo, "o-lost").PaymentStatus)
	assert.ElementsMatch(t, []string{"order.paid", "order.payment_failed"}, pub.names())

	res, err = uc.Execute(context.Background(), SyncPendingPaymentsInput{OlderThan: time.Now(), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Zero(t, res.Applied)
}

func TestSyncPendingPaymentsSkipsFreshOrders(t *testing.T) {
	repo := memory.NewOrderRepository()
	gateway := memory.NewGateway()
	intent := newIntent(t, gateway)
	seedOrder(t, repo, "o-1", intent)
	require.NoError(t, gateway.SetStatus(intent, dompay.IntentSucceeded))

	uc := NewSyncPendingPaymentsUseCase(repo, gateway, NewApplyPaymentEventUseCase(repo, nil, nil), 0, nil)
	res, err := uc.Execute(context.Background(), SyncPendingPaymentsInput{OlderThan: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
	assert.Equal(t, domorder.PaymentPending, load(t, repo, "o-1").PaymentStatus)
}

type stalledPendingRepo struct {
	domorder.Repository
}

func (stalledPendingRepo) FindPendingPayment(ctx context.Context, _ time.Time, _ int) ([]*domorder.Order, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSyncPendingPaymentsQueryIsBounded(t *testing.T) {
	uc := NewSyncPendingPaymentsUseCase(stalledPendingRepo{}, memory.NewGateway(), nil, 20*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() {
		_, err := uc.Execute(context.Background(), SyncPendingPaymentsInput{OlderThan: time.Now(), Limit: 10})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, application.KindPersistence, application.KindOf(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("pending payment query was not bounded by the timeout")
	}
}
