package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisAcquireRelease(t *testing.T) {
	mr, client := newRedisClient(t)
	ctx := context.Background()
	a := NewRedis(client, "migrun:lock", time.Minute)
	b := NewRedis(client, "migrun:lock", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("migrun:lock"))
	assert.Greater(t, mr.TTL("migrun:lock"), time.Duration(0))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = b.AcquireOrWait(ctx, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	released, err := b.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = a.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	held, err := b.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, b.AcquireOrWait(ctx, time.Second))
	_, _ = b.Release(ctx)
}

func TestRedisExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	mr, client := newRedisClient(t)
	ctx := context.Background()
	old := NewRedis(client, "k", time.Minute)
	next := NewRedis(client, "k", time.Minute)

	ok, err := old.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = next.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be free")

	released, err := old.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released, "stale holder must not delete the new owner's key")
	assert.True(t, mr.Exists("k"))

	released, err = next.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
}
