package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// IdemCache maps checkout idempotency keys to order ids. The order store stays
// authoritative; a miss here only costs a database lookup.
type IdemCache struct {
	Client *redis.Client
}

func (c IdemCache) Lookup(ctx context.Context, key string) (string, bool) {
	v, err := c.Client.Get(ctx, fmt.Sprintf(KeyIdemCheckout, key)).Result()
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

func (c IdemCache) Remember(ctx context.Context, key, orderID string) error {
	return c.Client.Set(ctx, fmt.Sprintf(KeyIdemCheckout, key), orderID, TTLIdempotency).Err()
}
