package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "aa-minter:account:"

// RedisCache shares addresses between server instances.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCache connects to the server at url (redis:// or rediss://) and
// verifies it answers PING.
func NewRedisCache(ctx context.Context, url, keyPrefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string) (common.Address, bool, error) {
	val, err := c.client.Get(ctx, c.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("redis get: %w", err)
	}
	if !common.IsHexAddress(val) {
		return common.Address{}, false, fmt.Errorf("redis get: malformed address %q", val)
	}
	return common.HexToAddress(val), true, nil
}

// Put stores addr without expiry; counterfactual addresses never change.
func (c *RedisCache) Put(ctx context.Context, key string, addr common.Address) error {
	if err := c.client.Set(ctx, c.keyPrefix+key, addr.Hex(), 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

var _ domain.AddressCache = (*RedisCache)(nil)
