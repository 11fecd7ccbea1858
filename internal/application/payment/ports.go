package payment

import "context"

// Deduper remembers webhook event ids that are being or have been processed.
// Claim reports false when key was already claimed.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}
