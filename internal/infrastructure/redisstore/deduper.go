package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dedupKeyPrefix  = "dedup:"
	defaultDedupTTL = 24 * time.Hour
)

// Deduper claims keys with SET NX so that concurrent webhook deliveries across
// instances see a single winner.
type Deduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewDeduper(client redis.UniversalClient, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &Deduper{client: client, ttl: ttl}
}

func (d *Deduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupKeyPrefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup: claim %s: %w", key, err)
	}
	return ok, nil
}

func (d *Deduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, dedupKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis dedup: release %s: %w", key, err)
	}
	return nil
}
