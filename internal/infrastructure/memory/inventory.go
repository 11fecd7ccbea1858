package memory

import (
	"context"
	"sync"

	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
)

type productEntry struct {
	mu      sync.Mutex
	product dominv.Product
}

// Inventory is an in-process stock store. Each product has its own lock, so
// adjustments on different products never contend.
type Inventory struct {
	mu       sync.RWMutex
	products map[string]*productEntry
}

var _ dominv.Client = (*Inventory)(nil)

func NewInventory(products ...dominv.Product) *Inventory {
	inv := &Inventory{products: make(map[string]*productEntry, len(products))}
	for _, p := range products {
		inv.Upsert(p)
	}
	return inv
}

// Upsert seeds or replaces a product.
func (i *Inventory) Upsert(p dominv.Product) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if e, ok := i.products[p.ID]; ok {
		e.mu.Lock()
		e.product = p
		e.mu.Unlock()
		return
	}
	i.products[p.ID] = &productEntry{product: p}
}

func (i *Inventory) GetProduct(ctx context.Context, id string) (*dominv.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := i.entry(id)
	if !ok {
		return nil, dominv.ErrNotFound
	}
	e.mu.Lock()
	p := e.product
	e.mu.Unlock()
	return &p, nil
}

func (i *Inventory) AdjustStock(ctx context.Context, id string, delta int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, ok := i.entry(id)
	if !ok {
		return dominv.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := dominv.ApplyDelta(e.product.Stock, delta)
	if err != nil {
		return err
	}
	e.product.Stock = next
	return nil
}

// Stock reports the current stock of a product.
func (i *Inventory) Stock(id string) (int, bool) {
	e, ok := i.entry(id)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.product.Stock, true
}

func (i *Inventory) entry(id string) (*productEntry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.products[id]
	return e, ok
}
