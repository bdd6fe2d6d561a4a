package license

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// fakeClock is a settable clock safe for concurrent use.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) AddDate(years, months, days int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(years, months, days)
}

func TestMemoryAccessCache(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryAccessCache(clock.Now)
	ctx := context.Background()

	ok, err := c.Allowed(ctx, "acme", "CRM")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "acme", "CRM", 0, time.Minute))
	require.NoError(t, c.Put(ctx, "acme", "HR", 0, time.Minute))
	require.NoError(t, c.Put(ctx, "beta", "CRM", 0, time.Minute))

	ok, _ = c.Allowed(ctx, "acme", "CRM")
	assert.True(t, ok)
	ok, _ = c.Allowed(ctx, "acme", "FIN")
	assert.False(t, ok)

	t.Run("entries expire", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		ok, _ := c.Allowed(ctx, "acme", "CRM")
		assert.False(t, ok)
	})

	t.Run("non-positive ttl is ignored", func(t *testing.T) {
		require.NoError(t, c.Put(ctx, "acme", "FIN", 0, 0))
		ok, _ := c.Allowed(ctx, "acme", "FIN")
		assert.False(t, ok)
	})

	t.Run("invalidation is per tenant", func(t *testing.T) {
		require.NoError(t, c.Put(ctx, "acme", "CRM", 0, time.Minute))
		require.NoError(t, c.Put(ctx, "beta", "CRM", 0, time.Minute))
		require.NoError(t, c.InvalidateTenant(ctx, "acme"))

		ok, _ := c.Allowed(ctx, "acme", "CRM")
		assert.False(t, ok)
		ok, _ = c.Allowed(ctx, "beta", "CRM")
		assert.True(t, ok)
	})

	t.Run("put under a stale generation is dropped", func(t *testing.T) {
		stale, err := c.Generation(ctx, "acme")
		require.NoError(t, err)
		require.NoError(t, c.InvalidateTenant(ctx, "acme"))

		require.NoError(t, c.Put(ctx, "acme", "CRM", stale, time.Minute))
		ok, _ := c.Allowed(ctx, "acme", "CRM")
		assert.False(t, ok)

		current, err := c.Generation(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, stale+1, current)
		require.NoError(t, c.Put(ctx, "acme", "CRM", current, time.Minute))
		ok, _ = c.Allowed(ctx, "acme", "CRM")
		assert.True(t, ok)
	})
}

func setupRedisCache(t *testing.T) *RedisAccessCache {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	if exec.Command("docker", "info").Run() != nil {
		t.Skip("Docker is not available, skipping integration test")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	c, err := NewRedisAccessCache("redis://"+host+":"+port.Port(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Ping(ctx))
	return c
}

func TestRedisAccessCache(t *testing.T) {
	c := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "acme", "CRM", 0, time.Minute))
	require.NoError(t, c.Put(ctx, "beta", "CRM", 0, time.Minute))

	ok, err := c.Allowed(ctx, "acme", "CRM")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Allowed(ctx, "acme", "HR")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.InvalidateTenant(ctx, "acme"))
	ok, _ = c.Allowed(ctx, "acme", "CRM")
	assert.False(t, ok)
	ok, _ = c.Allowed(ctx, "beta", "CRM")
	assert.True(t, ok)

	ttl, err := c.client.TTL(ctx, accessKey("beta")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	gen, err := c.Generation(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	require.NoError(t, c.Put(ctx, "acme", "CRM", 0, time.Minute))
	ok, _ = c.Allowed(ctx, "acme", "CRM")
	assert.False(t, ok, "a decision read before invalidation is not cached")

	require.NoError(t, c.Put(ctx, "acme", "CRM", gen, time.Minute))
	ok, _ = c.Allowed(ctx, "acme", "CRM")
	assert.True(t, ok)
}

func TestRedisAccessCache_FieldExpiresBeforeKey(t *testing.T) {
	c := setupRedisCache(t)
	ctx := context.Background()

	clock := newFakeClock()
	c.now = clock.Now

	require.NoError(t, c.Put(ctx, "acme", "CRM", 0, time.Second))
	clock.Advance(2 * time.Second)

	ok, err := c.Allowed(ctx, "acme", "CRM")
	require.NoError(t, err)
	assert.False(t, ok)
}
