package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/memorabilia-settlement/internal/redisx"
)

// RedisStore keeps each cart as JSON under cart:{user} with PEXPIREAT set to the
// cart's expiry, and indexes users by expiry in the carts:expiry sorted set.
type RedisStore struct {
	Client *redis.Client
}

func cartKey(userID string) string { return fmt.Sprintf(redisx.KeyCart, userID) }

func (s *RedisStore) Get(ctx context.Context, userID string) (Cart, error) {
	raw, err := s.Client.Get(ctx, cartKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Cart{}, ErrCartNotFound
	}
	if err != nil {
		return Cart{}, err
	}
	var c Cart
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cart{}, fmt.Errorf("decode cart %s: %w", userID, err)
	}
	return c, nil
}

func (s *RedisStore) Save(ctx context.Context, c Cart) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	key := cartKey(c.UserID)
	_, err = s.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, raw, 0)
		p.PExpireAt(ctx, key, c.ExpireAt)
		p.ZAdd(ctx, redisx.KeyCartExpiry, redis.Z{Score: float64(c.ExpireAt.UnixMilli()), Member: c.UserID})
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	_, err := s.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, cartKey(userID))
		p.ZRem(ctx, redisx.KeyCartExpiry, userID)
		return nil
	})
	return err
}

func (s *RedisStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.Client.ZRangeByScore(ctx, redisx.KeyCartExpiry, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
}
