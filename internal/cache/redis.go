// Package cache provides the redis read-through cache used for hot
// reference-catalog lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncd_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncd_cache_misses_total",
		Help: "Total number of cache misses",
	})

	cacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncd_cache_errors_total",
		Help: "Total number of cache errors",
	})
)

// Cache is a thin JSON cache. A nil *Cache is valid and always misses, so
// dev mode can run without redis.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Config holds redis cache configuration.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// New connects to redis and verifies the connection.
func New(cfg Config) (*Cache, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "syncd:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

// Client exposes the underlying connection for collaborators that share it
// (the adapter dedup log).
func (c *Cache) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Get unmarshals the cached value for key into out; false means miss.
func (c *Cache) Get(ctx context.Context, key string, out interface{}) bool {
	if c == nil {
		return false
	}
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		cacheMisses.Inc()
		return false
	}
	if err != nil {
		cacheErrors.Inc()
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		cacheErrors.Inc()
		return false
	}
	cacheHits.Inc()
	return true
}

// Set stores v under key with the configured TTL. Failures are counted, not
// returned; the cache is advisory.
func (c *Cache) Set(ctx context.Context, key string, v interface{}) {
	if c == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		cacheErrors.Inc()
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		cacheErrors.Inc()
	}
}

// Invalidate drops a key after a refresh rewrites the underlying row.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		cacheErrors.Inc()
	}
}

// Close releases the client; safe on nil.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
