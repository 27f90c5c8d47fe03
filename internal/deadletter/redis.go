package deadletter

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/redisstore"
)

// Redis keeps dead envelopes in one Redis set per kind.
type Redis struct {
	client goredis.UniversalClient
	keys   redisstore.Keys
}

// NewRedis builds a Redis-backed store.
func NewRedis(client goredis.UniversalClient, keys redisstore.Keys) *Redis {
	return &Redis{client: client, keys: keys}
}

func (r *Redis) key(kind Kind) string {
	if kind == KindItem {
		return r.keys.DeadItem()
	}
	return r.keys.DeadRequest()
}

// Add implements Store.
func (r *Redis) Add(ctx context.Context, env crawler.Envelope) error {
	raw, err := crawler.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, r.key(KindOf(env.Type)), raw).Err(); err != nil {
		return fmt.Errorf("sadd dead letter: %w", err)
	}
	return nil
}

// List implements Store. limit <= 0 lists everything.
func (r *Redis) List(ctx context.Context, kind Kind, limit int) ([]crawler.Envelope, error) {
	members, err := r.client.SMembers(ctx, r.key(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers dead letters: %w", err)
	}
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return decodeAll(members)
}

// Pop implements Store.
func (r *Redis) Pop(ctx context.Context, kind Kind, n int) ([]crawler.Envelope, error) {
	members, err := r.client.SPopN(ctx, r.key(kind), int64(n)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("spop dead letters: %w", err)
	}
	return decodeAll(members)
}

// Count implements Store.
func (r *Redis) Count(ctx context.Context, kind Kind) (int64, error) {
	n, err := r.client.SCard(ctx, r.key(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("scard dead letters: %w", err)
	}
	return n, nil
}

func decodeAll(members []string) ([]crawler.Envelope, error) {
	out := make([]crawler.Envelope, 0, len(members))
	for _, m := range members {
		env, err := crawler.UnmarshalEnvelope([]byte(m))
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}
