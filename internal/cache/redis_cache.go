package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"farview/internal/metrics"
	"farview/internal/tile"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	Timeout   time.Duration
	Namespace string
}

type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	prefix  string
	logger  *zap.Logger
}

func NewRedisCache(cfg RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour // default TTL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = time.Second
	}

	return &RedisCache{
		client:  client,
		ttl:     ttl,
		timeout: timeout,
		prefix:  fmt.Sprintf("tile:%s:", cfg.Namespace),
		logger:  logger,
	}, nil
}

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) keyFor(k tile.Key) string {
	return fmt.Sprintf("%s%d:%d:%d:%d", c.prefix, k.Level, k.X, k.Y, k.Z)
}

func (c *RedisCache) Get(k tile.Key) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.keyFor(k)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.fail("get", k, err)
		}
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}

	metrics.CacheHits.WithLabelValues("redis").Inc()
	return data, true
}

func (c *RedisCache) Has(k tile.Key) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	n, err := c.client.Exists(ctx, c.keyFor(k)).Result()
	if err != nil {
		c.fail("exists", k, err)
		return false
	}
	return n > 0
}

func (c *RedisCache) Set(k tile.Key, v []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, c.keyFor(k), v, c.ttl).Err(); err != nil {
		c.fail("set", k, err)
		return
	}
	metrics.CacheStores.WithLabelValues("redis").Inc()
}

// Clear removes every tile under this cache's namespace.
func (c *RedisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var batch []string
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			c.delete(ctx, batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "scan").Inc()
		c.logger.Warn("Failed to scan redis cache", zap.Error(err))
	}
	if len(batch) > 0 {
		c.delete(ctx, batch)
	}
}

func (c *RedisCache) delete(ctx context.Context, keys []string) {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "del").Inc()
		c.logger.Warn("Failed to delete redis keys", zap.Int("count", len(keys)), zap.Error(err))
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) fail(op string, k tile.Key, err error) {
	metrics.CacheErrors.WithLabelValues("redis", op).Inc()
	c.logger.Warn("Redis cache operation failed", zap.String("op", op), zap.Stringer("tile", k), zap.Error(err))
}
