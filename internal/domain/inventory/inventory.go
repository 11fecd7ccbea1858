package inventory

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("inventory: product not found")
	ErrInvalidQuantity   = errors.New("inventory: quantity must be greater than zero")
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrConcurrentUpdate means a conditional stock write lost a race and may be retried.
	ErrConcurrentUpdate = errors.New("inventory: concurrent update conflict")
)

// Product is the catalog view the checkout needs. Price is authoritative.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
	Stock int
}

func (p Product) CanFulfil(quantity int) bool {
	return quantity > 0 && p.Stock >= quantity
}

// Client is the narrow contract with the service that owns product stock.
// AdjustStock applies delta atomically and never lets stock drop below zero.
type Client interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	AdjustStock(ctx context.Context, id string, delta int) error
}

// ApplyDelta returns the stock after delta, or ErrInsufficientStock.
func ApplyDelta(stock, delta int) (int, error) {
	if delta == 0 {
		return stock, ErrInvalidQuantity
	}
	next := stock + delta
	if next < 0 {
		return stock, ErrInsufficientStock
	}
	return next, nil
}
