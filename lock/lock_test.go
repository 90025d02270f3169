package lock_test

import (
	"context"
	"testing"
	"time"

	"storyline/lock"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*lock.Redis, *miniredis.Miniredis) {
	t.Helper()
	return newRedisLockerWithTTL(t, time.Minute)
}

func newRedisLockerWithTTL(t *testing.T, ttl time.Duration) (*lock.Redis, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return lock.NewRedis(client, "test:", ttl), server
}

func TestLockers(t *testing.T) {
	redisLocker, _ := newRedisLocker(t)

	lockers := map[string]lock.Locker{
		"local": lock.NewLocal(),
		"redis": redisLocker,
	}

	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			unlock, err := locker.TryLock(ctx, "cluster")
			require.NoError(t, err)

			_, err = locker.TryLock(ctx, "cluster")
			assert.ErrorIs(t, err, lock.ErrBusy)

			// Other stages are independent
			unlockTitles, err := locker.TryLock(ctx, "titles")
			require.NoError(t, err)
			unlockTitles()

			unlock()
			unlock, err = locker.TryLock(ctx, "cluster")
			require.NoError(t, err)
			unlock()
		})
	}
}

func TestRedisLockExpires(t *testing.T) {
	locker, server := newRedisLocker(t)
	ctx := context.Background()

	_, err := locker.TryLock(ctx, "archive")
	require.NoError(t, err)
	assert.True(t, server.Exists("test:archive"))

	server.FastForward(2 * time.Minute)

	unlock, err := locker.TryLock(ctx, "archive")
	require.NoError(t, err)
	unlock()
	assert.False(t, server.Exists("test:archive"))
}

func TestRedisLockIsExtendedWhileHeld(t *testing.T) {
	ttl := 300 * time.Millisecond
	locker, server := newRedisLockerWithTTL(t, ttl)
	ctx := context.Background()

	unlock, err := locker.TryLock(ctx, "cluster")
	require.NoError(t, err)

	// Well past the ttl in total, with real time for the holder to extend in between
	for i := 0; i < 5; i++ {
		server.FastForward(ttl / 2)
		time.Sleep(ttl)
	}

	assert.True(t, server.Exists("test:cluster"))
	_, err = locker.TryLock(ctx, "cluster")
	assert.ErrorIs(t, err, lock.ErrBusy)

	unlock()
	unlock()
	assert.False(t, server.Exists("test:cluster"))

	unlock, err = locker.TryLock(ctx, "cluster")
	require.NoError(t, err)
	unlock()
}

func TestRedisUnlockKeepsForeignLock(t *testing.T) {
	locker, server := newRedisLocker(t)
	ctx := context.Background()

	unlock, err := locker.TryLock(ctx, "titles")
	require.NoError(t, err)

	// Another holder took over after expiry
	require.NoError(t, server.Set("test:titles", "someone-else"))
	unlock()

	got, err := server.Get("test:titles")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisUnavailable(t *testing.T) {
	locker, server := newRedisLocker(t)
	server.Close()

	_, err := locker.TryLock(context.Background(), "cluster")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, lock.ErrBusy)
}
