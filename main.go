package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appInventory "github.com/Zhima-Mochi/minishop-checkout/internal/application/inventory"
	appOrder "github.com/Zhima-Mochi/minishop-checkout/internal/application/order"
	appPayment "github.com/Zhima-Mochi/minishop-checkout/internal/application/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/config"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/id"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/kafka"
	infraobs "github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/telemetry"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/pkg/logging"
	httppresentation "github.com/Zhima-Mochi/minishop-checkout/internal/presentation/http"
	workerpresentation "github.com/Zhima-Mochi/minishop-checkout/internal/presentation/worker"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const devJWTSecret = "dev-only-secret"

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	baseLogger := logging.MustNewLogger(cfg.ServiceName, cfg.Env, cfg.Log.Level)
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	if err := run(cfg, baseLogger); err != nil {
		baseLogger.Error("service_exit", zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, baseLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zaplogger.New(baseLogger)

	telemetry.InitPropagator()
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracer(ctx, telemetry.Options{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	instruments := prometrics.RegisterStandard(prometrics.New("", "", nil))
	tel := infraobs.New(oteltrace.New(cfg.ServiceName), logger, instruments.Counters, instruments.Histograms)

	b, err := buildBackends(ctx, cfg, logger)
	defer b.close()
	if err != nil {
		return err
	}

	var producer *kafka.Producer
	if cfg.KafkaEnabled() {
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
	}

	// In-memory event bus; Kafka, when configured, receives a copy of the domain events.
	// The bus drains before the producer and stores close.
	bus := outbox.NewBus(logger, tel)
	bus.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		bus.Stop(stopCtx)
	}()

	if producer != nil {
		kafka.NewRelay(producer, workerpresentation.NewObserved(bus, "kafka_relay", tel), cfg.Kafka.Topic, tel).Start()
		logger.Info("kafka_relay_enabled", observability.F("topic", cfg.Kafka.Topic))
	}

	stockRetries := cfg.Checkout.StockRetries
	if stockRetries == 0 {
		stockRetries = -1
	}
	adjuster := appInventory.NewStockAdjuster(b.inventory, appInventory.AdjusterConfig{
		Retries: stockRetries,
		Backoff: cfg.Checkout.StockRetryBackoff,
		Timeout: cfg.Checkout.StepTimeout,
	}, tel)

	submit := appOrder.NewSubmitOrderUseCase(b.orders, b.inventory, b.gateway, adjuster, id.NewUUIDGenerator(), bus,
		appOrder.SubmitOptions{Currency: cfg.Payment.Currency, StepTimeout: cfg.Checkout.StepTimeout}, tel)
	getOrder := appOrder.NewGetOrderUseCase(b.orders, cfg.Checkout.StepTimeout, tel)
	listOrders := appOrder.NewListOrdersUseCase(b.orders, cfg.Checkout.StepTimeout, tel)
	updateStatus := appOrder.NewUpdateStatusUseCase(b.orders, bus, cfg.Checkout.StepTimeout, tel)

	apply := appPayment.NewApplyPaymentEventUseCase(b.orders, bus, tel)
	webhook := appPayment.NewReconcileWebhookUseCase(b.orders, b.gateway, b.deduper, bus,
		appPayment.WebhookOptions{Secret: cfg.Payment.WebhookSecret, StoreTimeout: cfg.Checkout.StepTimeout}, tel)
	syncPending := appPayment.NewSyncPendingPaymentsUseCase(b.orders, b.gateway, apply, cfg.Checkout.StepTimeout, tel)
	repair := appInventory.NewRepairStockUseCase(b.orders, adjuster, b.gateway, bus, cfg.Checkout.StepTimeout, tel)

	paymentWorker := appPayment.NewWorker(workerpresentation.NewObserved(bus, "payment_worker", tel), bus, apply, syncPending,
		appPayment.WorkerConfig{
			SyncInterval: cfg.Reconcile.Interval,
			PendingAge:   cfg.Reconcile.PendingAge,
			BatchSize:    cfg.Reconcile.BatchSize,
			RetryDelay:   cfg.Reconcile.UnmatchedRetryDelay,
			MaxRetries:   cfg.Reconcile.UnmatchedRetries,
		}, tel)
	inventoryWorker := appInventory.NewWorker(b.orders, workerpresentation.NewObserved(bus, "inventory_worker", tel), repair,
		appInventory.WorkerConfig{
			Interval:     cfg.Reconcile.Interval,
			MinAge:       cfg.Reconcile.StockAge,
			BatchSize:    cfg.Reconcile.BatchSize,
			StoreTimeout: cfg.Checkout.StepTimeout,
		}, tel)
	paymentWorker.Start()
	defer paymentWorker.Stop()
	inventoryWorker.Start()
	go paymentWorker.Run(ctx)
	go inventoryWorker.Run(ctx)

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = devJWTSecret
		logger.Warn("jwt_secret_missing", observability.F("fallback", "dev-only secret in use"))
	}
	handler := httppresentation.NewHandler(httppresentation.UseCases{
		Submit:       submit,
		Get:          getOrder,
		List:         listOrders,
		UpdateStatus: updateStatus,
		Webhook:      webhook,
	}, httppresentation.NewAuthenticator(secret), promhttp.Handler(), tel)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Router(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_server_start", observability.F("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_server_shutdown_error", observability.F("error", err.Error()))
		return err
	}
	logger.Info("http_server_stopped")
	return nil
}
