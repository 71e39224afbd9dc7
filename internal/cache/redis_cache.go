package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pdvcaixa/backend/internal/domain"
)

type RedisSnapshotCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSnapshotCache(client redis.UniversalClient) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client, prefix: "pdv:receipt:"}
}

func (c *RedisSnapshotCache) Get(ctx context.Context, saleID string) (*domain.SaleSnapshot, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+saleID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap domain.SaleSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

func (c *RedisSnapshotCache) Set(ctx context.Context, snapshot *domain.SaleSnapshot, ttl time.Duration) error {
	if snapshot == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+snapshot.SaleID, payload, ttl).Err()
}

func (c *RedisSnapshotCache) Delete(ctx context.Context, saleID string) error {
	return c.client.Del(ctx, c.prefix+saleID).Err()
}
