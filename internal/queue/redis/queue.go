// Package redis provides TaskQueue and RecordQueue backings shared by every worker through Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// MinBlock is the smallest blocking timeout Redis honors; a zero timeout would block forever.
const MinBlock = time.Second

// Codec converts queue items to and from their wire form.
type Codec[T any] interface {
	Encode(item T) ([]byte, error)
	Decode(raw []byte) (T, error)
}

// Queue is a Redis-backed queue. FIFO and LIFO use a list, priority uses a sorted set.
type Queue[T any] struct {
	client   goredis.UniversalClient
	key      string
	ordering crawler.Ordering
	codec    Codec[T]
	priority func(T) int
}

// New builds a queue stored under key.
func New[T any](
	client goredis.UniversalClient,
	key string,
	ordering crawler.Ordering,
	codec Codec[T],
	priority func(T) int,
) *Queue[T] {
	if priority == nil {
		priority = func(T) int { return 0 }
	}
	return &Queue[T]{
		client:   client,
		key:      key,
		ordering: ordering,
		codec:    codec,
		priority: priority,
	}
}

// NewTaskQueue stores task envelopes tagged with spider.
func NewTaskQueue(client goredis.UniversalClient, key string, ordering crawler.Ordering, spider string) *Queue[*crawler.Task] {
	return New[*crawler.Task](client, key, ordering, TaskCodec{Spider: spider}, crawler.TaskPriority)
}

// NewRecordQueue stores record envelopes in FIFO order.
func NewRecordQueue(client goredis.UniversalClient, key string, spider string) *Queue[*crawler.Record] {
	return New[*crawler.Record](client, key, crawler.OrderFIFO, RecordCodec{Spider: spider}, nil)
}

// Key returns the Redis key backing the queue.
func (q *Queue[T]) Key() string {
	return q.key
}

// Put appends item to the backlog.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	raw, err := q.codec.Encode(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if q.ordering == crawler.OrderPriority {
		z := &goredis.Z{Score: float64(q.priority(item)), Member: string(raw)}
		if err := q.client.ZAdd(ctx, q.key, z).Err(); err != nil {
			return fmt.Errorf("zadd %s: %w", q.key, err)
		}
		return nil
	}
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", q.key, err)
	}
	return nil
}

// Get blocks for at most timeout (rounded up to whole seconds, minimum MinBlock).
// Equal-priority items are released in no guaranteed order.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var zero T
	block := blockTimeout(timeout)
	var raw string
	switch q.ordering {
	case crawler.OrderPriority:
		res, err := q.client.BZPopMin(ctx, block, q.key).Result()
		if err != nil {
			return zero, false, q.popError(err)
		}
		s, ok := res.Member.(string)
		if !ok {
			return zero, false, fmt.Errorf("bzpopmin %s: unexpected member %T", q.key, res.Member)
		}
		raw = s
	case crawler.OrderLIFO:
		res, err := q.client.BRPop(ctx, block, q.key).Result()
		if err != nil {
			return zero, false, q.popError(err)
		}
		raw = res[1]
	default:
		res, err := q.client.BLPop(ctx, block, q.key).Result()
		if err != nil {
			return zero, false, q.popError(err)
		}
		raw = res[1]
	}
	item, err := q.codec.Decode([]byte(raw))
	if err != nil {
		return zero, false, fmt.Errorf("decode item: %w", err)
	}
	return item, true, nil
}

// Size reports the backlog length.
func (q *Queue[T]) Size(ctx context.Context) (int, error) {
	var (
		n   int64
		err error
	)
	if q.ordering == crawler.OrderPriority {
		n, err = q.client.ZCard(ctx, q.key).Result()
	} else {
		n, err = q.client.LLen(ctx, q.key).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", q.key, err)
	}
	return int(n), nil
}

// IsEmpty reports whether the backlog is empty.
func (q *Queue[T]) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Size(ctx)
	return n == 0, err
}

// Clear deletes the backing key.
func (q *Queue[T]) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", q.key, err)
	}
	return nil
}

func (q *Queue[T]) popError(err error) error {
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return fmt.Errorf("dequeue %s: %w", q.key, err)
}

func blockTimeout(timeout time.Duration) time.Duration {
	if timeout < MinBlock {
		return MinBlock
	}
	if rem := timeout % time.Second; rem != 0 {
		timeout += time.Second - rem
	}
	return timeout
}
