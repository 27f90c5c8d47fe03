// Package redis provides dedup filters shared across workers through Redis.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/JakeFAU/swarmcrawl/internal/filter"
)

// Set is an exact filter over a Redis set. SADD's reply is the atomic check-and-set.
type Set struct {
	client goredis.UniversalClient
	key    string
}

// NewSet returns a Set stored under key.
func NewSet(client goredis.UniversalClient, key string) *Set {
	return &Set{client: client, key: key}
}

// IsRepeat implements crawler.Filter.
func (s *Set) IsRepeat(ctx context.Context, fingerprint string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.key, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("sadd %s: %w", s.key, err)
	}
	return added == 0, nil
}

// Bloom is a probabilistic filter over a Redis bit string.
type Bloom struct {
	client goredis.UniversalClient
	key    string
	params filter.Bloom
}

// NewBloom returns a Bloom stored under key.
func NewBloom(client goredis.UniversalClient, key string, params filter.Bloom) (*Bloom, error) {
	p, err := params.Normalize()
	if err != nil {
		return nil, err
	}
	return &Bloom{client: client, key: key, params: p}, nil
}

// IsRepeat sets every probed bit in one MULTI/EXEC block. SETBIT returns the previous bit, so the
// fingerprint was seen only if all of them were already 1.
func (b *Bloom) IsRepeat(ctx context.Context, fingerprint string) (bool, error) {
	offsets := b.params.Offsets(fingerprint)
	cmds := make([]*goredis.IntCmd, len(offsets))
	_, err := b.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		for i, off := range offsets {
			cmds[i] = p.SetBit(ctx, b.key, int64(off), 1)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("setbit %s: %w", b.key, err)
	}
	seen := true
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			seen = false
		}
	}
	return seen, nil
}
