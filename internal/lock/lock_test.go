package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client, "crawl:lock:")
}

func TestRedisTryLockExclusive(t *testing.T) {
	t.Parallel()

	mr, l := newRedisLocker(t)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "election", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("crawl:lock:election"))

	_, ok, err = l.TryLock(ctx, "election", 50*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second holder must time out without error")

	require.NoError(t, unlock(ctx))
	require.False(t, mr.Exists("crawl:lock:election"))

	_, ok, err = l.TryLock(ctx, "election", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisTryLockRejectsUnboundedHold(t *testing.T) {
	t.Parallel()

	mr, l := newRedisLocker(t)
	ctx := context.Background()

	for _, hold := range []time.Duration{0, -time.Second} {
		unlock, ok, err := l.TryLock(ctx, "filter", 0, hold)
		require.ErrorIs(t, err, ErrUnboundedHold)
		require.False(t, ok)
		require.Nil(t, unlock)
		require.False(t, mr.Exists("crawl:lock:filter"))
	}
}

func TestRedisLockExpiresAfterHold(t *testing.T) {
	t.Parallel()

	mr, l := newRedisLocker(t)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "heartbeat", 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryLock(ctx, "heartbeat", 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisUnlockDoesNotReleaseForeignHolder(t *testing.T) {
	t.Parallel()

	mr, l := newRedisLocker(t)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "record", 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryLock(ctx, "record", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, unlock(ctx))
	require.True(t, mr.Exists("crawl:lock:record"), "stale unlock must not delete the new holder's key")
}

func TestWithRunsOnlyWhenAcquired(t *testing.T) {
	t.Parallel()

	l := NewLocal()
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var ran atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := With(ctx, l, "filter", time.Second, 0, func(context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err == nil && ok {
				ran.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(8), ran.Load())
	require.Equal(t, int32(1), maxInside.Load())
}

func TestLocalTryLockNoWait(t *testing.T) {
	t.Parallel()

	l := NewLocal()
	ctx := context.Background()
	unlock, ok, err := l.TryLock(ctx, "x", 0, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "x", 0, 0)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, unlock(ctx))
	_, ok, err = l.TryLock(ctx, "x", 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
}
