package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderLockKey(t *testing.T) {
	assert.Equal(t, "order:42", OrderLockKey(42))
}

func TestLockLease(t *testing.T) {
	t.Skip("Integration test - requires redis")

	ctx := context.Background()
	c, err := NewClient("localhost:6379", "", 0)
	require.NoError(t, err)
	defer c.Close()

	key := OrderLockKey(1)
	token, ok, err := c.AcquireLock(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquireLock(ctx, key, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale token must not release the current holder.
	require.NoError(t, c.ReleaseLock(ctx, key, "stale"))
	_, ok, _ = c.AcquireLock(ctx, key, time.Second)
	assert.False(t, ok)

	extended, err := c.ExtendLock(ctx, key, "stale", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)
	extended, err = c.ExtendLock(ctx, key, token, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	require.NoError(t, c.ReleaseLock(ctx, key, token))
	_, ok, err = c.AcquireLock(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
