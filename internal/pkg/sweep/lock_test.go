package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "subscriber:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "subscriber:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "subscriber:2", time.Minute)
	assert.True(t, ok, "other keys are independent")

	release()
	_, ok, _ = l.TryLock(ctx, "subscriber:1", time.Minute)
	assert.True(t, ok)
}

func TestLocalLockerExpires(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	staleRelease, ok, _ := l.TryLock(ctx, "k", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	require.True(t, ok, "expired lock can be taken over")

	staleRelease()
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok, "stale release must not free the new holder's lock")
}

func TestRedisLocker(t *testing.T) {
	client := newIsolatedRedisClient(t)
	l := NewRedisLocker(client, "test:lock:")
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "subscriber:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "subscriber:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.PTTL(ctx, "test:lock:subscriber:1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	release()
	exists, err := client.Exists(ctx, "test:lock:subscriber:1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedisLockerReleaseIgnoresForeignToken(t *testing.T) {
	client := newIsolatedRedisClient(t)
	l := NewRedisLocker(client, "test:lock:")
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// another holder took the key after ours lapsed
	require.NoError(t, client.Set(ctx, "test:lock:k", "someone-else", time.Minute).Err())
	release()

	val, err := client.Get(ctx, "test:lock:k").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}
