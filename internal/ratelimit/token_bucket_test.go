package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, opts Options) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), opts), mr
}

func TestAllowDrainsPerUser(t *testing.T) {
	ctx := context.Background()
	l, mr := newLimiter(t, Options{Prefix: "beaker", Capacity: 2, RefillPerSecond: 1, IdleTTL: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	d, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "first token")
	assert.Equal(t, 1.0, d.Remaining)

	d, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "second token")

	d, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "bucket is empty")
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = l.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, mr.Exists("beaker:ratelimit:alice"))
}

func TestAllowRefills(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, Options{Prefix: "beaker", Capacity: 1, RefillPerSecond: 2})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	d, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	now = now.Add(250 * time.Millisecond)
	d, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0.5, d.Remaining)
	assert.Equal(t, 250*time.Millisecond, d.RetryAfter)

	now = now.Add(250 * time.Millisecond)
	d, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllowWithoutRefill(t *testing.T) {
	ctx := context.Background()
	l, mr := newLimiter(t, Options{Prefix: "beaker", Capacity: 1})

	d, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.RetryAfter)
	assert.Zero(t, mr.TTL("beaker:ratelimit:alice"))
}
