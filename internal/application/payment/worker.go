package payment

import (
	"context"
	"sync"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
)

const workerService = "payment_worker"

type WorkerConfig struct {
	// SyncInterval is the period of the gateway sync sweep.
	SyncInterval time.Duration
	// PendingAge is how old an unpaid order must be before the sweep asks the gateway.
	PendingAge time.Duration
	BatchSize  int
	// RetryDelay and MaxRetries bound the deferred lookup of unmatched webhook events.
	RetryDelay time.Duration
	MaxRetries int
}

// Worker retries webhook events that arrived before their order, and periodically
// syncs unpaid orders against the gateway.
type Worker struct {
	subscriber domoutbox.Subscriber
	publisher  domoutbox.Publisher
	apply      application.UseCase[ApplyPaymentEventInput, Outcome]
	syncer     application.UseCase[SyncPendingPaymentsInput, *SyncPendingPaymentsResult]
	cfg        WorkerConfig
	rec        application.Recorder
	ext        application.ExternalObserver
	now        func() time.Time

	// mu orders wg.Add against Stop so no retry starts after Stop began waiting.
	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorker(
	subscriber domoutbox.Subscriber,
	publisher domoutbox.Publisher,
	apply application.UseCase[ApplyPaymentEventInput, Outcome],
	syncUC application.UseCase[SyncPendingPaymentsInput, *SyncPendingPaymentsResult],
	cfg WorkerConfig,
	tel observability.Observability,
) *Worker {
	tel = application.Resolve(tel)
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	if cfg.PendingAge <= 0 {
		cfg.PendingAge = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		subscriber: subscriber,
		publisher:  publisher,
		apply:      apply,
		syncer:     syncUC,
		cfg:        cfg,
		rec:        application.NewRecorder(tel, workerService),
		ext:        application.NewExternalObserver(tel.Metrics()),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil || w.apply == nil {
		return
	}
	w.subscriber.Subscribe(dompay.IntentUnmatchedEvent{}.EventName(), w.handleIntentUnmatched)
}

// Stop cancels pending deferred retries and waits for running ones.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.cancel()
	w.mu.Unlock()
	w.wg.Wait()
}

// track registers a retry goroutine unless the worker is stopping.
func (w *Worker) track() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.wg.Add(1)
	return true
}

// Run syncs pending payments every SyncInterval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	if w.syncer == nil {
		return
	}
	ticker := time.NewTicker(w.cfg.SyncInterval)
	defer ticker.Stop()

	logger := logctx.FromOr(ctx, w.rec.Logger())
	logger.Info("payment_sync_started", observability.F("interval", w.cfg.SyncInterval.String()))
	for {
		select {
		case <-ctx.Done():
			logger.Info("payment_sync_stopped")
			return
		case <-ticker.C:
			if _, err := w.SyncOnce(ctx); err != nil {
				logger.Warn("payment_sync_failed", observability.F("error", err.Error()))
			}
		}
	}
}

func (w *Worker) SyncOnce(ctx context.Context) (*SyncPendingPaymentsResult, error) {
	return w.syncer.Execute(ctx, SyncPendingPaymentsInput{
		OlderThan: w.now().Add(-w.cfg.PendingAge),
		Limit:     w.cfg.BatchSize,
	})
}

// handleIntentUnmatched schedules a delayed lookup and returns at once, so the bus
// handler never sleeps.
func (w *Worker) handleIntentUnmatched(ctx context.Context, e domoutbox.Event) error {
	const useCase = "payment.worker.intent_unmatched"
	evt, ok := e.(dompay.IntentUnmatchedEvent)
	if !ok {
		w.rec.Count(useCase, "ignored")
		return nil
	}
	if !w.track() {
		w.rec.Count(useCase, "stopped")
		return nil
	}

	logger := logctx.FromOr(ctx, w.rec.Logger())
	delay := w.cfg.RetryDelay * time.Duration(evt.Attempt+1)
	go func() {
		defer w.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-w.ctx.Done():
			logger.Info("payment_retry_cancelled",
				observability.F("payment_intent_id", evt.IntentID),
				observability.F("attempt", evt.Attempt+1),
			)
			return
		case <-t.C:
		}
		_ = w.retry(logctx.With(w.ctx, logger), evt)
	}()
	w.rec.Count(useCase, "scheduled")
	return nil
}

func (w *Worker) retry(ctx context.Context, evt dompay.IntentUnmatchedEvent) (err error) {
	const useCase = "payment.worker.retry_unmatched"
	attempt := evt.Attempt + 1
	ctx, run := w.rec.Begin(ctx, useCase, "RetryUnmatchedPayment",
		attribute.String("payment.intent_id", evt.IntentID),
		attribute.Int("payment.attempt", attempt),
	)
	defer func() { run.End(err) }()
	run.Field("payment_intent_id", evt.IntentID)
	run.Field("attempt", attempt)

	outcome, err := w.apply.Execute(ctx, ApplyPaymentEventInput{IntentID: evt.IntentID, Type: evt.Type, Source: "deferred_retry"})
	if err != nil {
		return err
	}
	run.Status = statusOf(outcome)
	if outcome != OutcomeUnmatched {
		return nil
	}

	if attempt >= w.cfg.MaxRetries {
		// The sync sweep still covers the order once it is persisted.
		run.Logger.Warn("payment_intent_unmatched_abandoned",
			observability.F("payment_intent_id", evt.IntentID),
			observability.F("event_id", evt.EventID),
			observability.F("attempts", attempt),
		)
		run.Status = "RETRIES_EXHAUSTED"
		return nil
	}
	next := dompay.NewIntentUnmatchedEvent(dompay.Event{ID: evt.EventID, Type: evt.Type, IntentID: evt.IntentID}, attempt)
	if perr := application.PublishBestEffort(ctx, w.publisher, w.ext, run.Logger, next); perr != nil {
		run.Status = "EVENT_PUBLISH_FAILED"
	}
	return nil
}
