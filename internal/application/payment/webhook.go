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

const (
	useCaseWebhook = "payment.webhook"
	dedupPrefix    = "webhook:"
)

var ErrSignature = dompay.ErrSignature

type WebhookOptions struct {
	Secret string
	// StoreTimeout bounds each order store call.
	StoreTimeout time.Duration
}

type ReconcileWebhookInput struct {
	Payload   []byte
	Signature string
}

type ReconcileWebhookResult struct {
	EventID   string
	EventType dompay.EventType
	IntentID  string
	OrderID   string
	Outcome   Outcome
}

// ReconcileWebhookUseCase verifies a gateway webhook and applies it to the order.
// Only a bad signature or a store failure is an error; everything else is acknowledged.
type ReconcileWebhookUseCase struct {
	gateway   dompay.Gateway
	deduper   Deduper
	publisher domoutbox.Publisher
	secret    string
	recon     reconciler
	rec       application.Recorder
}

func NewReconcileWebhookUseCase(
	repo domorder.Repository,
	gateway dompay.Gateway,
	deduper Deduper,
	publisher domoutbox.Publisher,
	opts WebhookOptions,
	tel observability.Observability,
) *ReconcileWebhookUseCase {
	tel = application.Resolve(tel)
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	return &ReconcileWebhookUseCase{
		gateway:   gateway,
		deduper:   deduper,
		publisher: publisher,
		secret:    opts.Secret,
		recon: reconciler{
			repo:      repo,
			publisher: publisher,
			ext:       application.NewExternalObserver(tel.Metrics()),
			timeout:   opts.StoreTimeout,
		},
		rec: application.NewRecorder(tel, paymentService),
	}
}

func (uc *ReconcileWebhookUseCase) Execute(ctx context.Context, cmd ReconcileWebhookInput) (_ *ReconcileWebhookResult, err error) {
	ctx, run := uc.rec.Begin(ctx, useCaseWebhook, "ReconcileWebhook")
	defer func() { run.End(err) }()

	evt, verr := uc.gateway.VerifyWebhook(cmd.Payload, cmd.Signature, uc.secret)
	if verr != nil {
		return nil, application.NewError(application.KindSignature, "SIGNATURE_INVALID", "webhook rejected", verr)
	}
	res := &ReconcileWebhookResult{EventID: evt.ID, EventType: evt.Type, IntentID: evt.IntentID}
	run.Span().SetAttributes(
		attribute.String("payment.event_id", evt.ID),
		attribute.String("payment.event_type", string(evt.Type)),
		attribute.String("payment.intent_id", evt.IntentID),
	)
	run.Field("event_id", evt.ID)
	run.Field("event_type", string(evt.Type))
	run.Field("payment_intent_id", evt.IntentID)

	if !supported(evt.Type) {
		res.Outcome = OutcomeIgnored
		run.Status = "EVENT_IGNORED"
		return res, nil
	}

	claimed := false
	if uc.deduper != nil && evt.ID != "" {
		ok, cerr := uc.deduper.Claim(ctx, dedupPrefix+evt.ID)
		switch {
		case cerr != nil:
			// State transitions are idempotent on their own; carry on without the claim.
			run.Logger.Warn("webhook_dedup_unavailable", observability.F("error", cerr.Error()))
		case !ok:
			res.Outcome = OutcomeDuplicate
			run.Status = "DUPLICATE"
			return res, nil
		default:
			claimed = true
		}
	}

	outcome, o, aerr := uc.recon.apply(ctx, run.Logger, evt.IntentID, evt.Type)
	if o != nil {
		res.OrderID = o.ID
		run.Field("order_id", o.ID)
	}
	if aerr != nil || outcome == OutcomeUnmatched {
		// Let a redelivery, or the deferred retry, process this event again.
		uc.release(ctx, run, claimed, evt.ID)
	}
	if aerr != nil {
		return nil, aerr
	}
	res.Outcome = outcome
	run.Status = statusOf(outcome)

	if outcome == OutcomeUnmatched {
		run.Logger.Info("payment_intent_unmatched",
			observability.F("payment_intent_id", evt.IntentID),
			observability.F("event_id", evt.ID),
		)
		_ = application.PublishBestEffort(ctx, uc.publisher, uc.recon.ext, run.Logger,
			dompay.NewIntentUnmatchedEvent(*evt, 0))
	}
	return res, nil
}

func (uc *ReconcileWebhookUseCase) release(ctx context.Context, run *application.Run, claimed bool, eventID string) {
	if !claimed {
		return
	}
	if err := uc.deduper.Release(context.WithoutCancel(ctx), dedupPrefix+eventID); err != nil {
		run.Logger.Warn("webhook_dedup_release_failed",
			observability.F("event_id", eventID),
			observability.F("error", err.Error()),
		)
	}
}

func statusOf(o Outcome) string {
	switch o {
	case OutcomeApplied:
		return "OK"
	case OutcomeAlreadyApplied:
		return "ALREADY_APPLIED"
	case OutcomeUnmatched:
		return "ORDER_NOT_VISIBLE"
	case OutcomeRejected:
		return "TRANSITION_REJECTED"
	default:
		return "EVENT_IGNORED"
	}
}

// IsSignatureError reports whether err came from webhook verification.
func IsSignatureError(err error) bool {
	return errors.Is(err, ErrSignature) || application.KindOf(err) == application.KindSignature
}
