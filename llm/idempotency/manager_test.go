package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Text string `json:"text"`
}

func TestHashKey(t *testing.T) {
	a := HashKey("chat", "key-1")
	b := HashKey("chat", "key-1")
	c := HashKey("chat", "key-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// Scoping prevents boundary collisions.
	assert.NotEqual(t, HashKey("ab", "c"), HashKey("a", "bc"))
}

func TestMemoryManagerRoundTrip(t *testing.T) {
	m := NewMemoryManager(nil)
	defer m.Close()
	ctx := context.Background()

	_, hit, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, m.Set(ctx, "k1", payload{Text: "cached"}, time.Minute))
	data, hit, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, hit)

	var got payload
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "cached", got.Text)

	require.NoError(t, m.Delete(ctx, "k1"))
	_, hit, _ = m.Get(ctx, "k1")
	assert.False(t, hit)
}

func TestMemoryManagerExpiry(t *testing.T) {
	m := NewMemoryManager(nil)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k2", payload{Text: "short"}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, hit, err := m.Get(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, hit, "expired entry misses")
}

func TestRedisManager(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	m := NewRedisManager(client, "", nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k3", payload{Text: "redis"}, time.Minute))

	data, hit, err := m.Get(ctx, "k3")
	require.NoError(t, err)
	require.True(t, hit)
	var got payload
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "redis", got.Text)

	// TTL is set on the redis key itself.
	srv.FastForward(2 * time.Minute)
	_, hit, err = m.Get(ctx, "k3")
	require.NoError(t, err)
	assert.False(t, hit)
}
