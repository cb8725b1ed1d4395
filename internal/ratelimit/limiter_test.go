package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLimiterAllowsUpToLimit(t *testing.T) {
	limiter := NewInMemoryLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within limit must pass", i+1)
	}

	ok, err := limiter.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, ok, "request above limit must be rejected")
}

func TestInMemoryLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewInMemoryLimiter(1, time.Minute)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "198.51.100.3")
	require.NoError(t, err)
	assert.True(t, ok, "a different key has its own window")
}

func TestInMemoryLimiterWindowRollover(t *testing.T) {
	limiter := NewInMemoryLimiter(1, 20*time.Millisecond)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = limiter.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok, "counter resets after the window elapses")
}
