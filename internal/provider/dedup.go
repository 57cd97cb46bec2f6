package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DedupLog remembers completed effects per idempotency key so a retried
// outbox message never mutates a marketplace twice. Neither upstream API
// offers native idempotency, so the adapters keep their own log.
type DedupLog interface {
	// Done returns the recorded result for key, if the effect already ran.
	Done(ctx context.Context, key string) (string, bool, error)
	// Mark records a completed effect and its result (external lot ID or "").
	Mark(ctx context.Context, key, result string) error
}

// RedisDedup stores completed keys in redis with the dedup-window TTL, shared
// across processes.
type RedisDedup struct {
	client *redis.Client
	prefix string
}

// NewRedisDedup builds a dedup log on an existing redis client.
func NewRedisDedup(client *redis.Client, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "syncd:idem:"
	}
	return &RedisDedup{client: client, prefix: prefix}
}

func (d *RedisDedup) Done(ctx context.Context, key string) (string, bool, error) {
	val, err := d.client.Get(ctx, d.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	return val, true, nil
}

func (d *RedisDedup) Mark(ctx context.Context, key, result string) error {
	if err := d.client.Set(ctx, d.prefix+key, result, DedupWindow).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

// MemDedup is the in-process dedup log used by tests and dev mode.
type MemDedup struct {
	mu      sync.Mutex
	entries map[string]memDedupEntry
}

type memDedupEntry struct {
	result string
	at     time.Time
}

// NewMemDedup creates an empty in-memory dedup log.
func NewMemDedup() *MemDedup {
	return &MemDedup{entries: make(map[string]memDedupEntry)}
}

func (d *MemDedup) Done(_ context.Context, key string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok || time.Since(e.at) > DedupWindow {
		return "", false, nil
	}
	return e.result, true, nil
}

func (d *MemDedup) Mark(_ context.Context, key, result string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = memDedupEntry{result: result, at: time.Now()}
	return nil
}
