package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/modelmux/dispatch/pkg/types"
)

// RedisCacheConfig holds configuration for RedisCache.
type RedisCacheConfig struct {
	Addr         string        `yaml:"addr"`           // Redis address (default: "localhost:6379")
	Password     string        `yaml:"password"`       // Redis password
	DB           int           `yaml:"db"`             // Redis database number
	Namespace    string        `yaml:"namespace"`      // key prefix (default: "dispatch")
	TTL          time.Duration `yaml:"ttl"`            // entry lifetime (default: 1h)
	DialTimeout  time.Duration `yaml:"dial_timeout"`   // connection timeout
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`  // write timeout
	PoolSize     int           `yaml:"pool_size"`      // connection pool size
	MinIdleConns int           `yaml:"min_idle_conns"` // minimum idle connections
}

// DefaultRedisCacheConfig returns sensible defaults.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Addr:         "localhost:6379",
		Namespace:    "dispatch",
		TTL:          time.Hour,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisCache is a Redis-backed response cache. Expiry is delegated to Redis
// key TTLs; capacity is bounded by the server's own eviction policy.
type RedisCache struct {
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errs   atomic.Int64
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	def := DefaultRedisCacheConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{
		client:    client,
		namespace: cfg.Namespace,
		ttl:       cfg.TTL,
	}, nil
}

func (c *RedisCache) key(fingerprint string) string {
	return c.namespace + ":response:" + fingerprint
}

// Get retrieves the cached result for the fingerprint.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*types.Result, error) {
	raw, err := c.client.Get(ctx, c.key(fingerprint)).Bytes()
	if errors.Is(err, goredis.Nil) {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		c.errs.Add(1)
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var result types.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		c.errs.Add(1)
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	c.hits.Add(1)
	return &result, nil
}

// Set stores the result under the fingerprint with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, fingerprint string, result *types.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(fingerprint), raw, c.ttl).Err(); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("redis set: %w", err)
	}
	c.sets.Add(1)
	return nil
}

// Delete removes the fingerprint from the cache.
func (c *RedisCache) Delete(ctx context.Context, fingerprint string) error {
	if err := c.client.Del(ctx, c.key(fingerprint)).Err(); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Stats returns current cache counters. Size is the number of keys in this
// cache's namespace, counted with SCAN.
func (c *RedisCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:   hits,
		Misses: misses,
		Sets:   c.sets.Load(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	iter := c.client.Scan(ctx, 0, c.namespace+":response:*", 0).Iterator()
	for iter.Next(ctx) {
		s.Size++
	}
	return s
}

// Clear removes all entries in this cache's namespace and resets counters.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.namespace+":response:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}

	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.errs.Store(0)
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
