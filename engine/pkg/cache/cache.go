// Package cache wraps a Redis client with the JSON cache and distributed
// run lock the engine uses across instances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("lock is held by another owner")

type Config struct {
	Logger    *slog.Logger
	URL       string
	KeyPrefix string

	// Client overrides URL when set.
	Client *redis.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil && cfg.URL == "" {
		return errors.New("redis url is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "earnings:"
	}
	return nil
}

type Client struct {
	log    *slog.Logger
	rdb    *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rdb := cfg.Client
	if rdb == nil {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{
		log:    cfg.Logger,
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// GetJSON decodes the cached value into v and reports whether it was present.
func (c *Client) GetJSON(ctx context.Context, cache, key string, v any) (bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(cache, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheLookupsTotal.WithLabelValues(cache, "miss").Inc()
		return false, nil
	}
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues(cache, "error").Inc()
		return false, fmt.Errorf("failed to get %s cache entry: %w", cache, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		metrics.CacheLookupsTotal.WithLabelValues(cache, "error").Inc()
		return false, fmt.Errorf("failed to decode %s cache entry: %w", cache, err)
	}
	metrics.CacheLookupsTotal.WithLabelValues(cache, "hit").Inc()
	return true, nil
}

func (c *Client) SetJSON(ctx context.Context, cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s cache entry: %w", cache, err)
	}
	if err := c.rdb.Set(ctx, c.key(cache, key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s cache entry: %w", cache, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, cache string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(cache, k)
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete %s cache entries: %w", cache, err)
	}
	return nil
}

// Lock is a held Redis lock. It expires on its own after its TTL.
type Lock struct {
	c     *Client
	key   string
	token string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AcquireLock takes the named lock for ttl, returning ErrLockHeld when
// another owner holds it.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	l := &Lock{c: c, key: c.key("lock", name), token: uuid.NewString()}
	ok, err := c.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	c.log.Debug("cache: lock acquired", "lock", name, "ttl", ttl)
	return l, nil
}

// Release drops the lock if this owner still holds it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.c.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		l.c.log.Warn("cache: lock expired before release", "key", l.key)
	}
	return nil
}
