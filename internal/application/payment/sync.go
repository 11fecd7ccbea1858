package payment

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

const (
	useCaseSyncPayments = "payment.sync_pending"
	gatewayPeer         = "payment_gateway"
	endpointGetIntent   = "get_intent"
)

type SyncPendingPaymentsInput struct {
	OlderThan time.Time
	Limit     int
}

type SyncPendingPaymentsResult struct {
	Checked int
	Applied int
}

// SyncPendingPaymentsUseCase compares unpaid orders with the gateway's view of their
// intents. It repairs orders whose webhook was lost or arrived before the order existed.
type SyncPendingPaymentsUseCase struct {
	repo    domorder.Repository
	gateway dompay.Gateway
	apply   application.UseCase[ApplyPaymentEventInput, Outcome]
	timeout time.Duration
	rec     application.Recorder
	ext     application.ExternalObserver
}

func NewSyncPendingPaymentsUseCase(
	repo domorder.Repository,
	gateway dompay.Gateway,
	apply application.UseCase[ApplyPaymentEventInput, Outcome],
	timeout time.Duration,
	tel observability.Observability,
) *SyncPendingPaymentsUseCase {
	tel = application.Resolve(tel)
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &SyncPendingPaymentsUseCase{
		repo:    repo,
		gateway: gateway,
		apply:   apply,
		timeout: timeout,
		rec:     application.NewRecorder(tel, paymentService),
		ext:     application.NewExternalObserver(tel.Metrics()),
	}
}

func (uc *SyncPendingPaymentsUseCase) Execute(ctx context.Context, cmd SyncPendingPaymentsInput) (_ *SyncPendingPaymentsResult, err error) {
	ctx, run := uc.rec.Begin(ctx, useCaseSyncPayments, "SyncPendingPayments")
	defer func() { run.End(err) }()

	queryCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	orders, err := uc.repo.FindPendingPayment(queryCtx, cmd.OlderThan, cmd.Limit)
	cancel()
	if err != nil {
		return nil, application.NewError(application.KindPersistence, "SWEEP_QUERY_FAILED", "find pending orders", err)
	}

	res := &SyncPendingPaymentsResult{}
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		if o.PaymentIntentID == "" {
			continue
		}
		res.Checked++

		typ, ok := uc.intentOutcome(ctx, run.Logger, o)
		if !ok {
			continue
		}
		outcome, aerr := uc.apply.Execute(ctx, ApplyPaymentEventInput{IntentID: o.PaymentIntentID, Type: typ, Source: "sync"})
		if aerr != nil {
			run.Logger.Warn("payment_sync_apply_failed",
				observability.F("order_id", o.ID),
				observability.F("error", aerr.Error()),
			)
			continue
		}
		if outcome == OutcomeApplied {
			res.Applied++
		}
	}
	run.Field("checked", res.Checked)
	run.Field("applied", res.Applied)
	return res, nil
}

// intentOutcome maps the live intent status to the event it implies, if any.
func (uc *SyncPendingPaymentsUseCase) intentOutcome(ctx context.Context, logger observability.Logger, o *domorder.Order) (dompay.EventType, bool) {
	callCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()

	start := time.Now()
	intent, err := uc.gateway.GetIntent(callCtx, o.PaymentIntentID)
	uc.ext.Observe(gatewayPeer, endpointGetIntent, start, err)
	if err != nil {
		level := logger.Warn
		if errors.Is(err, dompay.ErrIntentNotFound) {
			level = logger.Error
		}
		level("payment_sync_intent_lookup_failed",
			observability.F("order_id", o.ID),
			observability.F("payment_intent_id", o.PaymentIntentID),
			observability.F("error", err.Error()),
		)
		return "", false
	}

	switch intent.Status {
	case dompay.IntentSucceeded:
		return dompay.EventIntentSucceeded, true
	case dompay.IntentCanceled:
		return dompay.EventIntentCanceled, true
	default:
		return "", false
	}
}
