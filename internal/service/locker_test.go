package service

import (
	"context"
	"testing"
	"time"

	"food-payments/internal/redisclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	token, ok, err := l.AcquireLock(ctx, "order:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.AcquireLock(ctx, "order:1", time.Second)
	assert.False(t, ok)

	require.NoError(t, l.ReleaseLock(ctx, "order:1", "someone-else"))
	_, ok, _ = l.AcquireLock(ctx, "order:1", time.Second)
	assert.False(t, ok, "a foreign token must not release the lease")

	now = now.Add(2 * time.Second)
	_, ok, _ = l.AcquireLock(ctx, "order:1", time.Second)
	assert.True(t, ok, "an expired lease can be taken over")

	require.NoError(t, l.ReleaseLock(ctx, "order:1", token))
	_, ok, _ = l.AcquireLock(ctx, "order:1", time.Second)
	assert.False(t, ok, "the stale holder's release must not drop the new lease")
}

func TestLocalLocker_ExtendLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	token, ok, err := l.AcquireLock(ctx, "order:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.ExtendLock(ctx, "order:1", "someone-else", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(900 * time.Millisecond)
	ok, err = l.ExtendLock(ctx, "order:1", token, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(900 * time.Millisecond)
	_, ok, _ = l.AcquireLock(ctx, "order:1", time.Second)
	assert.False(t, ok, "the extended lease is still held")

	now = now.Add(time.Second)
	ok, err = l.ExtendLock(ctx, "order:1", token, time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "an expired lease cannot be extended")
}

func TestOrderLeases_RenewWhileWorking(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	leases := newOrderLeases(l, 30*time.Millisecond, zap.NewNop())

	err := leases.with(ctx, 1, func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		_, ok, err := l.AcquireLock(ctx, redisclient.OrderLockKey(1), time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "the lease outlived its ttl")
		return ctx.Err()
	})
	require.NoError(t, err)

	_, ok, err := l.AcquireLock(ctx, redisclient.OrderLockKey(1), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "the lease is released afterwards")
}

func TestOrderLeases_LostLeaseCancelsWork(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	leases := newOrderLeases(l, 30*time.Millisecond, zap.NewNop())
	key := redisclient.OrderLockKey(1)

	err := leases.with(ctx, 1, func(ctx context.Context) error {
		l.mu.Lock()
		delete(l.leases, key)
		l.mu.Unlock()
		_, ok, err := l.AcquireLock(ctx, key, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, ok, _ := l.AcquireLock(ctx, key, time.Minute)
	assert.False(t, ok, "the new holder keeps its lease")
}

func TestOrderLeases_BusyOrder(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	leases := newOrderLeases(l, time.Minute, zap.NewNop())

	_, ok, err := l.AcquireLock(ctx, redisclient.OrderLockKey(1), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	err = leases.with(ctx, 1, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, errOrderBusy)
	assert.False(t, called)
}
