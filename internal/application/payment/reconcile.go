package payment

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// Outcome describes what reconciling one gateway event did to the order.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeUnmatched      Outcome = "unmatched"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
	// OutcomeRejected means the event conflicts with the order's lifecycle, e.g. a
	// success for an order cancelled before payment. It is acknowledged and logged.
	OutcomeRejected Outcome = "rejected"
)

const (
	paymentService      = "payment-service"
	defaultStoreTimeout = 3 * time.Second
)

// reconciler applies a verified gateway event to the order that owns its intent.
// The webhook, the deferred retry and the sync sweep all go through it.
type reconciler struct {
	repo      domorder.Repository
	publisher domoutbox.Publisher
	ext       application.ExternalObserver
	timeout   time.Duration
}

func supported(t dompay.EventType) bool {
	switch t {
	case dompay.EventIntentSucceeded, dompay.EventIntentFailed, dompay.EventIntentCanceled:
		return true
	default:
		return false
	}
}

func (r reconciler) apply(ctx context.Context, logger observability.Logger, intentID string, typ dompay.EventType) (Outcome, *domorder.Order, error) {
	if !supported(typ) {
		return OutcomeIgnored, nil, nil
	}

	findCtx, cancel := context.WithTimeout(ctx, r.timeout)
	o, err := r.repo.FindByPaymentIntentID(findCtx, intentID)
	cancel()
	if errors.Is(err, domorder.ErrNotFound) {
		return OutcomeUnmatched, nil, nil
	}
	if err != nil {
		return "", nil, application.NewError(application.KindPersistence, "ORDER_LOOKUP_FAILED", "find order by intent", err)
	}

	var changed bool
	var terr error
	if typ == dompay.EventIntentSucceeded {
		changed, terr = o.MarkPaid()
	} else {
		changed, terr = o.MarkPaymentFailed()
	}
	if terr != nil {
		logger.Warn("payment_event_rejected",
			observability.F("order_id", o.ID),
			observability.F("order_status", string(o.Status)),
			observability.F("payment_status", string(o.PaymentStatus)),
			observability.F("event_type", string(typ)),
			observability.F("error", terr.Error()),
		)
		return OutcomeRejected, o, nil
	}
	if !changed {
		return OutcomeAlreadyApplied, o, nil
	}

	updCtx, cancel := context.WithTimeout(ctx, r.timeout)
	stored, err := r.repo.UpdateStatus(updCtx, o.ID, o.Status, o.PaymentStatus)
	cancel()
	if err != nil {
		return "", o, application.NewError(application.KindPersistence, "ORDER_UPDATE_FAILED", "update order status", err)
	}
	if !stored {
		// Another writer got there first.
		return OutcomeAlreadyApplied, o, nil
	}

	var evt domoutbox.Event
	if typ == dompay.EventIntentSucceeded {
		evt = domorder.NewOrderPaidEvent(o)
	} else {
		evt = domorder.NewOrderPaymentFailedEvent(o, string(typ))
	}
	_ = application.PublishBestEffort(ctx, r.publisher, r.ext, logger, evt)
	return OutcomeApplied, o, nil
}

type ApplyPaymentEventInput struct {
	IntentID string
	Type     dompay.EventType
	// Source names the caller for logs: "deferred_retry" or "sync".
	Source string
}

// ApplyPaymentEventUseCase applies an already trusted payment outcome. It serves the
// deferred retry of unmatched webhooks and the gateway sync sweep.
type ApplyPaymentEventUseCase struct {
	recon reconciler
	rec   application.Recorder
}

func NewApplyPaymentEventUseCase(repo domorder.Repository, publisher domoutbox.Publisher, tel observability.Observability) *ApplyPaymentEventUseCase {
	tel = application.Resolve(tel)
	return &ApplyPaymentEventUseCase{
		recon: reconciler{
			repo:      repo,
			publisher: publisher,
			ext:       application.NewExternalObserver(tel.Metrics()),
			timeout:   defaultStoreTimeout,
		},
		rec: application.NewRecorder(tel, paymentService),
	}
}

func (uc *ApplyPaymentEventUseCase) Execute(ctx context.Context, cmd ApplyPaymentEventInput) (_ Outcome, err error) {
	ctx, run := uc.rec.Begin(ctx, "payment.apply_event", "ApplyPaymentEvent",
		attribute.String("payment.intent_id", cmd.IntentID),
		attribute.String("payment.event_type", string(cmd.Type)),
	)
	defer func() { run.End(err) }()
	run.Field("payment_intent_id", cmd.IntentID)
	run.Field("source", cmd.Source)

	outcome, o, err := uc.recon.apply(ctx, run.Logger, cmd.IntentID, cmd.Type)
	if err != nil {
		return "", err
	}
	if o != nil {
		run.Field("order_id", o.ID)
	}
	run.Status = statusOf(outcome)
	return outcome, nil
}
