// Package lock provides bounded-wait named mutual exclusion, shared across workers via Redis
// or local to one process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// Locker acquires named locks. Failing to acquire within wait is not an error: ok is false.
type Locker interface {
	TryLock(ctx context.Context, name string, wait, hold time.Duration) (Unlock, bool, error)
}

// With runs fn while holding name. ran is false when the lock could not be acquired.
func With(
	ctx context.Context,
	l Locker,
	name string,
	wait, hold time.Duration,
	fn func(ctx context.Context) error,
) (ran bool, err error) {
	unlock, ok, err := l.TryLock(ctx, name, wait, hold)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()
	return true, fn(ctx)
}

const pollInterval = 25 * time.Millisecond

var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis implements Locker with SET NX PX and an owner-checked release.
type Redis struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedis returns a Redis locker. Lock names are stored under prefix + name.
func NewRedis(client goredis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// ErrUnboundedHold rejects a lock that would never expire if its holder crashed.
var ErrUnboundedHold = errors.New("lock hold must be positive")

// TryLock polls SET NX until wait elapses. hold bounds how long a crashed holder can block others.
func (r *Redis) TryLock(ctx context.Context, name string, wait, hold time.Duration) (Unlock, bool, error) {
	key := r.prefix + name
	if hold <= 0 {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, ErrUnboundedHold)
	}
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := r.client.SetNX(ctx, key, token, hold).Result()
		if err != nil {
			return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
					return fmt.Errorf("release lock %s: %w", key, err)
				}
				return nil
			}, true, nil
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		if !sleep(ctx, pollInterval) {
			return nil, false, nil
		}
	}
}

// Local implements Locker inside one process. hold is ignored; holders always release.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal returns an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

// TryLock waits up to wait for name to be free.
func (l *Local) TryLock(ctx context.Context, name string, wait, _ time.Duration) (Unlock, bool, error) {
	slot := l.slot(name)
	release := func(context.Context) error {
		<-slot
		return nil
	}
	select {
	case slot <- struct{}{}:
		return release, true, nil
	default:
	}
	if wait <= 0 {
		return nil, false, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case slot <- struct{}{}:
		return release, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, nil
	}
}

func (l *Local) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[name]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[name] = s
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
