package license

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AccessCache remembers positive access decisions for a bounded time.
// Implementations must be safe for concurrent use.
//
// Every tenant has a generation that InvalidateTenant advances. A decision
// is read under the generation returned by Generation and Put drops it when
// the generation has moved on since, so a decision taken before an
// invalidation is never cached after it.
type AccessCache interface {
	Allowed(ctx context.Context, tenantID, module string) (bool, error)
	Generation(ctx context.Context, tenantID string) (uint64, error)
	Put(ctx context.Context, tenantID, module string, gen uint64, ttl time.Duration) error
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// MemoryAccessCache is an in-process AccessCache.
type MemoryAccessCache struct {
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]map[string]time.Time
	gens    map[string]uint64
}

// NewMemoryAccessCache creates a MemoryAccessCache. now may be nil.
func NewMemoryAccessCache(now func() time.Time) *MemoryAccessCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryAccessCache{
		now:     now,
		entries: make(map[string]map[string]time.Time),
		gens:    make(map[string]uint64),
	}
}

func (c *MemoryAccessCache) Allowed(_ context.Context, tenantID, module string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	until, ok := c.entries[tenantID][module]
	return ok && c.now().Before(until), nil
}

func (c *MemoryAccessCache) Generation(_ context.Context, tenantID string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[tenantID], nil
}

func (c *MemoryAccessCache) Put(_ context.Context, tenantID, module string, gen uint64, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[tenantID] != gen {
		return nil
	}
	modules, ok := c.entries[tenantID]
	if !ok {
		modules = make(map[string]time.Time)
		c.entries[tenantID] = modules
	}
	modules[module] = c.now().Add(ttl)
	return nil
}

func (c *MemoryAccessCache) InvalidateTenant(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
	c.gens[tenantID]++
	return nil
}

// RedisAccessCache shares access decisions between server instances. Each
// tenant is one hash whose fields map a module to its expiry in unix
// microseconds, so a tenant's decisions are dropped with a single DEL. The
// tenant's generation is a separate counter key that never expires.
type RedisAccessCache struct {
	client *redis.Client
	maxTTL time.Duration
	now    func() time.Time
}

// NewRedisAccessCache creates a RedisAccessCache from a Redis URL. maxTTL
// bounds the lifetime of a tenant's hash.
func NewRedisAccessCache(redisURL string, maxTTL time.Duration) (*RedisAccessCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisAccessCache{client: redis.NewClient(opts), maxTTL: maxTTL, now: time.Now}, nil
}

func accessKey(tenantID string) string {
	return "custodia:access:" + tenantID
}

func generationKey(tenantID string) string {
	return "custodia:access-gen:" + tenantID
}

// Ping checks the Redis connection.
func (c *RedisAccessCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client.
func (c *RedisAccessCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis client.
func (c *RedisAccessCache) Close() error {
	return c.client.Close()
}

func (c *RedisAccessCache) Allowed(ctx context.Context, tenantID, module string) (bool, error) {
	val, err := c.client.HGet(ctx, accessKey(tenantID), module).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	until, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, nil
	}
	return c.now().UnixMicro() < until, nil
}

func (c *RedisAccessCache) Generation(ctx context.Context, tenantID string) (uint64, error) {
	gen, err := c.client.Get(ctx, generationKey(tenantID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Put stores the decision only if the tenant's generation still equals gen.
// The generation key is watched, so an invalidation racing the write aborts it.
func (c *RedisAccessCache) Put(ctx context.Context, tenantID, module string, gen uint64, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	genKey := generationKey(tenantID)
	until := c.now().Add(ttl).UnixMicro()

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, accessKey(tenantID), module, strconv.FormatInt(until, 10))
			pipe.Expire(ctx, accessKey(tenantID), max(ttl, c.maxTTL))
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (c *RedisAccessCache) InvalidateTenant(ctx context.Context, tenantID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(tenantID))
		pipe.Del(ctx, accessKey(tenantID))
		return nil
	})
	return err
}
