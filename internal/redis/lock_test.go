package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotLocker_RunsFnAndReleases(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewRedisSlotLocker(client, 5*time.Second, 0)
	ctx := context.Background()

	ran := false
	err := locker.WithSlotLock(ctx, "doc:1", func(ctx context.Context) error {
		ran = true
		exists, err := client.Exists(ctx, "lock:slot:doc:1").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	exists, err := client.Exists(ctx, "lock:slot:doc:1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestSlotLocker_HeldLockIsNotAcquired(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewRedisSlotLocker(client, 5*time.Second, 60*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "lock:slot:doc:2", "someone-else", time.Minute).Err())

	err := locker.WithSlotLock(ctx, "doc:2", func(ctx context.Context) error {
		t.Fatal("fn must not run while the slot is locked")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// foreign token survives
	val, err := client.Get(ctx, "lock:slot:doc:2").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestSlotLocker_PropagatesFnError(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewRedisSlotLocker(client, 5*time.Second, 0)
	boom := errors.New("boom")

	err := locker.WithSlotLock(context.Background(), "doc:3", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestSlotLocker_UnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	locker := NewRedisSlotLocker(client, time.Second, 0)
	err := locker.WithSlotLock(context.Background(), "doc:3", func(ctx context.Context) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NotErrorIs(t, err, ErrLockNotAcquired)
}
