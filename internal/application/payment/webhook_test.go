package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/stripe"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

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

type lookupFailingRepo struct {
	domorder.Repository
}

func (lookupFailingRepo) FindByPaymentIntentID(context.Context, string) (*domorder.Order, error) {
	return nil, errors.New("connection refused")
}

type webhookFixture struct {
	repo      *memory.OrderRepository
	gateway   *memory.Gateway
	deduper   *memory.Deduper
	publisher *recordingPublisher
	uc        *ReconcileWebhookUseCase
}

func newWebhookFixture(t *testing.T, withDeduper bool) *webhookFixture {
	t.Helper()
	f := &webhookFixture{
		repo:      memory.NewOrderRepository(),
		gateway:   memory.NewGateway(),
		publisher: &recordingPublisher{},
	}
	var d Deduper
	if withDeduper {
		f.deduper = memory.NewDeduper(time.Hour)
		d = f.deduper
	}
	f.uc = NewReconcileWebhookUseCase(f.repo, f.gateway, d, f.publisher, WebhookOptions{Secret: secret}, nil)
	return f
}

func seedOrder(t *testing.T, repo domorder.Repository, id, intentID string) *domorder.Order {
	t.Helper()
	o, err := domorder.New(id, "u-1", []domorder.Item{
		{ID: id + "-1", ProductID: "P", Quantity: 3, Price: decimal.RequireFromString("10.00")},
	}, domorder.ShippingAddress{FullName: "A", Email: "a@example.com", Address: "1 Road", City: "Town", Zip: "1", Country: "US"})
	require.NoError(t, err)
	require.NoError(t, o.AttachPaymentIntent(intentID))
	o.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, repo.Create(context.Background(), o))
	return o
}

func signed(eventID string, typ dompay.EventType, intentID string) ReconcileWebhookInput {
	payload := stripe.EventPayload(eventID, typ, intentID, time.Now())
	return ReconcileWebhookInput{Payload: payload, Signature: stripe.Sign(payload, secret, time.Now())}
}

func load(t *testing.T, repo domorder.Repository, id string) *domorder.Order {
	t.Helper()
	o, err := repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t, true)
	seedOrder(t, f.repo, "o-1", "pi_1")

	in := signed("evt_1", dompay.EventIntentSucceeded, "pi_1")
	in.Signature = stripe.Sign(in.Payload, "whsec_wrong", time.Now())

	_, err := f.uc.Execute(context.Background(), in)
	require.Error(t, err)
	assert.True(t, IsSignatureError(err))
	assert.ErrorIs(t, err, ErrSignature)
	assert.Equal(t, application.KindSignature, application.KindOf(err))
	assert.Equal(t, domorder.PaymentPending, load(t, f.repo, "o-1").PaymentStatus)

	claimed, cerr := f.deduper.Claim(context.Background(), dedupPrefix+"evt_1")
	require.NoError(t, cerr)
	assert.True(t, claimed)
}

func TestWebhookSucceededMarksOrderPaid(t *testing.T) {
	f := newWebhookFixture(t, true)
	seedOrder(t, f.repo, "o-1", "pi_1")

	res, err := f.uc.Execute(context.Background(), signed("evt_1", dompay.EventIntentSucceeded, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "o-1", res.OrderID)

	o := load(t, f.repo, "o-1")
	assert.Equal(t, domorder.StatusProcessing, o.Status)
	assert.Equal(t, domorder.PaymentPaid, o.PaymentStatus)
	assert.Equal(t, []string{"order.paid"}, f.publisher.names())
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	for _, withDeduper := range []bool{true, false} {
		f := newWebhookFixture(t, withDeduper)
		seedOrder(t, f.repo, "o-1", "pi_1")
		in := signed("evt_1", dompay.EventIntentSucceeded, "pi_1")

		_, err := f.uc.Execute(context.Background(), in)
		require.NoError(t, err)
		first := load(t, f.repo, "o-1")

		res, err := f.uc.Execute(context.Background(), in)
		require.NoError(t, err)
		if withDeduper {
			assert.Equal(t, OutcomeDuplicate, res.Outcome)
		} else {
			assert.Equal(t, OutcomeAlreadyApplied, res.Outcome)
		}

		second := load(t, f.repo, "o-1")
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.PaymentStatus, second.PaymentStatus)
		assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
		assert.Equal(t, []string{"order.paid"}, f.publisher.names())
	}
}

func TestWebhookRedeliveryUnderNewEventIDIsNoop(t *testing.T) {
	f := newWebhookFixture(t, true)
	seedOrder(t, f.repo, "o-1", "pi_1")

	_, err := f.uc.Execute(context.Background(), signed("evt_1", dompay.EventIntentSucceeded, "pi_1"))
	require.NoError(t, err)
	res, err := f.uc.Execute(context.Background(), signed("evt_2", dompay.EventIntentSucceeded, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, res.Outcome)
}

func TestWebhookUnknownIntentIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t, true)
	seedOrder(t, f.repo, "o-1", "pi_1")

	res, err := f.uc.Execute(context.Background(), signed("evt_1", dompay.EventIntentSucceeded, "pi_unknown"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Empty(t, res.OrderID)
	assert.Equal(t, domorder.PaymentPending, load(t, f.repo, "o-1").PaymentStatus)
	assert.Equal(t, []string{"payment.intent_unmatched"}, f.publisher.names())

	res, err = f.uc.Execute(context.Background(), signed("evt_1", dompay.EventIntentSucceeded, "pi_unknown"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, res.Outcome, "claim is released so a redelivery is processed")
}

func TestWebhookFailureNeverDowngradesPaid(t *testing.T) {
	f := newWebhookFixture(t, false)
	seedOrder(t, f.repo, "o-1", "pi_1")
	ctx := context.Background()

	res, err := f.uc.Execute(ctx, signed("evt_1", dompay.EventIntentFailed, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	o := load(t, f.repo, "o-1")
	assert.Equal(t, domorder.StatusPending, o.Status)
	assert.Equal(t, domorder.PaymentFailed, o.PaymentStatus)

	_, err = f.uc.Execute(ctx, signed("evt_2", dompay.EventIntentSucceeded, "pi_1"))
	require.NoError(t, err)

	res, err = f.uc.Execute(ctx, signed("evt_3", dompay.EventIntentCanceled, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, res.Outcome)
	assert.Equal(t, domorder.PaymentPaid, load(t, f.repo, "o-1").PaymentStatus)
}

func TestWebhookSucceededOnCancelledOrderIsRejectedButAcked(t *testing.T) {
	f := newWebhookFixture(t, false)
	seedOrder(t, f.repo, "o-1", "pi_1")
	_, err := f.repo.UpdateStatus(context.Background(), "o-1", domorder.StatusCancelled, domorder.PaymentPending)
	require.NoError(t, err)

	res, err := f.uc.Execute(context.Background(), signed("evt_1", dompay.EventIntentSucceeded, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, domorder.StatusCancelled, load(t, f.repo, "o-1").Status)
}

func TestWebhookIgnoresUnsupportedEvents(t *testing.T) {
	f := newWebhookFixture(t, true)
	res, err := f.uc.Execute(context.Background(), signed("evt_1", "charge.refunded", "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.publisher.names())
}

func TestWebhookStoreFailureReleasesClaim(t *testing.T) {
	f := newWebhookFixture(t, true)
	uc := NewReconcileWebhookUseCase(lookupFailingRepo{f.repo}, f.gateway, f.deduper, f.publisher, WebhookOptions{Secret: secret}, nil)

	_, err := uc.Execute(context.Background(), signed("evt_1", dompay.EventIntentSucceeded, "pi_1"))
	require.Error(t, err)
	assert.Equal(t, application.KindPersistence, application.KindOf(err))

	claimed, cerr := f.deduper.Claim(context.Background(), dedupPrefix+"evt_1")
	require.NoError(t, cerr)
	assert.True(t, claimed)
}

func TestWebhookConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newWebhookFixture(t, false)
	seedOrder(t, f.repo, "o-1", "pi_1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.uc.Execute(context.Background(), signed("evt_1", dompay.EventIntentSucceeded, "pi_1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, domorder.PaymentPaid, load(t, f.repo, "o-1").PaymentStatus)
	assert.Equal(t, []string{"order.paid"}, f.publisher.names())
}
