package redisstore

import (
	"context"
	"fmt"
	"strconv"

	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const productKeyPrefix = "product:"

const (
	adjustInsufficient = 0
	adjustApplied      = 1
	adjustNotFound     = -1
)

// adjustStockScript applies a signed delta to the stock field only when the
// result stays non-negative.
var adjustStockScript = redis.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])

local current = redis.call('HGET', key, 'stock')
if not current then
	return -1
end

current = tonumber(current)
if current + delta < 0 then
	return 0
end

redis.call('HINCRBY', key, 'stock', delta)
return 1
`)

// Inventory keeps products as Redis hashes with name, price and stock fields.
type Inventory struct {
	client redis.UniversalClient
}

var _ dominv.Client = (*Inventory)(nil)

func NewInventory(client redis.UniversalClient) *Inventory {
	return &Inventory{client: client}
}

func (i *Inventory) GetProduct(ctx context.Context, id string) (*dominv.Product, error) {
	fields, err := i.client.HGetAll(ctx, productKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("redis inventory: get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, dominv.ErrNotFound
	}

	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return nil, fmt.Errorf("redis inventory: price of %s: %w", id, err)
	}
	stock, err := strconv.Atoi(fields["stock"])
	if err != nil {
		return nil, fmt.Errorf("redis inventory: stock of %s: %w", id, err)
	}
	return &dominv.Product{ID: id, Name: fields["name"], Price: price, Stock: stock}, nil
}

func (i *Inventory) AdjustStock(ctx context.Context, id string, delta int) error {
	if delta == 0 {
		return dominv.ErrInvalidQuantity
	}
	res, err := adjustStockScript.Run(ctx, i.client, []string{productKeyPrefix + id}, delta).Int()
	if err != nil {
		return fmt.Errorf("redis inventory: adjust %s: %w", id, err)
	}
	switch res {
	case adjustApplied:
		return nil
	case adjustInsufficient:
		return dominv.ErrInsufficientStock
	case adjustNotFound:
		return dominv.ErrNotFound
	default:
		return fmt.Errorf("redis inventory: adjust %s: unexpected result %d", id, res)
	}
}

// Upsert seeds or replaces a product.
func (i *Inventory) Upsert(ctx context.Context, p dominv.Product) error {
	err := i.client.HSet(ctx, productKeyPrefix+p.ID,
		"name", p.Name,
		"price", p.Price.String(),
		"stock", p.Stock,
	).Err()
	if err != nil {
		return fmt.Errorf("redis inventory: upsert %s: %w", p.ID, err)
	}
	return nil
}
