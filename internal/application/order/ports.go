package order

import (
	"errors"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
)

type IDGenerator interface {
	NewID() string
}

// Named checkout failures. Every error returned by the use cases in this package is an
// *application.Error wrapping one of these, so callers can use errors.Is.
var (
	ErrProductNotFound      = errors.New("checkout: product not found")
	ErrInsufficientStock    = errors.New("checkout: insufficient stock")
	ErrInventoryUnavailable = errors.New("checkout: inventory unavailable")
	ErrGateway              = errors.New("checkout: payment gateway failure")
	ErrPersistence          = errors.New("checkout: order persistence failure")
	ErrStockAdjustment      = errors.New("checkout: stock adjustment failed")
	ErrNotFound             = domain.ErrNotFound
)
