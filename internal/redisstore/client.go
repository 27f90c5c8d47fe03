package redisstore

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Options configures the shared-store connection.
type Options struct {
	Addrs       []string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	PoolSize    int
}

// Connect opens a client and pings it. Multiple addrs select a cluster client.
// An unreachable store is a fatal startup error.
func Connect(ctx context.Context, opts Options) (goredis.UniversalClient, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("redis.addrs must not be empty")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       opts.Addrs,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
		PoolSize:    opts.PoolSize,
	})
	if err := Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Ping checks the store is reachable.
func Ping(ctx context.Context, client goredis.UniversalClient) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
