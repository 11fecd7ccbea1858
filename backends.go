package main

import (
	"context"

	appPayment "github.com/Zhima-Mochi/minishop-checkout/internal/application/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/config"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/inventoryhttp"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/mysqlstore"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/postgres"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/redisstore"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/stripe"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// backends holds the collaborators selected by configuration.
type backends struct {
	orders    domorder.Repository
	inventory dominv.Client
	gateway   dompay.Gateway
	deduper   appPayment.Deduper
	closers   []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func buildBackends(ctx context.Context, cfg *config.Config, logger observability.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		if err := postgres.Migrate(cfg.Store.PostgresURL); err != nil {
			return b, err
		}
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.Store.PostgresURL})
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, pool.Close)
		b.orders = postgres.NewOrderStore(pool)
	default:
		b.orders = memory.NewOrderRepository()
	}

	var redisClient *redis.Client
	connectRedis := func() (*redis.Client, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		c, err := redisstore.NewClient(ctx, cfg.Inventory.RedisAddr, "", 0)
		if err != nil {
			return nil, err
		}
		redisClient = c
		b.closers = append(b.closers, func() { _ = c.Close() })
		return c, nil
	}

	switch cfg.Inventory.Backend {
	case config.BackendRedis:
		c, err := connectRedis()
		if err != nil {
			return b, err
		}
		b.inventory = redisstore.NewInventory(c)
	case config.BackendMySQL:
		db, err := mysqlstore.Open(ctx, cfg.Inventory.MySQLDSN)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		inv := mysqlstore.NewInventory(db)
		if err := inv.EnsureSchema(ctx); err != nil {
			return b, err
		}
		b.inventory = inv
	case config.BackendHTTP:
		client, err := inventoryhttp.New(inventoryhttp.Config{
			BaseURL:      cfg.Inventory.BaseURL,
			ServiceToken: cfg.Inventory.ServiceToken,
		}, logger)
		if err != nil {
			return b, err
		}
		b.inventory = client
	default:
		b.inventory = memory.NewInventory(demoProducts()...)
	}

	switch cfg.Payment.Backend {
	case config.BackendStripe:
		client, err := stripe.New(stripe.Config{
			APIKey:    cfg.Payment.APIKey,
			BaseURL:   cfg.Payment.BaseURL,
			Tolerance: cfg.Payment.SignatureTolerance,
		}, logger)
		if err != nil {
			return b, err
		}
		b.gateway = client
	default:
		b.gateway = memory.NewGateway()
	}

	// Webhook dedup is shared across replicas through Redis when it is reachable.
	if c, err := connectRedis(); err == nil {
		b.deduper = redisstore.NewDeduper(c, cfg.Dedup.TTL)
	} else {
		logger.Warn("webhook_dedup_local",
			observability.F("reason", "redis unavailable"),
			observability.F("error", err.Error()),
		)
		b.deduper = memory.NewDeduper(cfg.Dedup.TTL)
	}

	logger.Info("backends_ready",
		observability.F("store", cfg.Store.Backend),
		observability.F("inventory", cfg.Inventory.Backend),
		observability.F("payment", cfg.Payment.Backend),
	)
	return b, nil
}

func demoProducts() []dominv.Product {
	return []dominv.Product{
		{ID: "sku-tee", Name: "T-shirt", Price: decimal.RequireFromString("19.99"), Stock: 100},
		{ID: "sku-mug", Name: "Mug", Price: decimal.RequireFromString("9.50"), Stock: 50},
		{ID: "sku-cap", Name: "Cap", Price: decimal.RequireFromString("14.00"), Stock: 0},
	}
}
