package crawler

import (
	"context"
	"time"
)

// Queue is an ordered backlog. Get returns ok=false when the timeout elapses without an item.
type Queue[T any] interface {
	Put(ctx context.Context, item T) error
	Get(ctx context.Context, timeout time.Duration) (T, bool, error)
	Size(ctx context.Context) (int, error)
	IsEmpty(ctx context.Context) (bool, error)
}

// TaskQueue is the backlog of pending fetch work.
type TaskQueue = Queue[*Task]

// RecordQueue is the backlog of records awaiting a pipeline flush.
type RecordQueue = Queue[*Record]

// Filter answers whether a fingerprint was seen before, recording it if not.
type Filter interface {
	IsRepeat(ctx context.Context, fingerprint string) (bool, error)
}

// Transport sends a task and returns the response.
type Transport interface {
	Send(ctx context.Context, task *Task) (*Response, error)
}

// Pipeline persists batches of records.
type Pipeline interface {
	Save(ctx context.Context, records []*Record) error
	Close(ctx context.Context) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and worker IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// TaskObserver hooks into each stage of a task's execution.
// TaskError and TaskClose may return a replacement task, which is enqueued in place of the current one.
type TaskObserver interface {
	TaskIn(ctx context.Context, task *Task) error
	TaskError(ctx context.Context, task *Task, err error) (*Task, error)
	TaskFailed(ctx context.Context, task *Task, err error)
	TaskClose(ctx context.Context, task *Task, resp *Response) (*Task, error)
}

// LifecycleObserver hooks into the start and end of a controller run.
type LifecycleObserver interface {
	SpiderStart(ctx context.Context, spider string)
	SpiderError(ctx context.Context, spider string, err error)
	SpiderClose(ctx context.Context, spider string)
}

// RecordObserver hooks into record buffering and flushing.
type RecordObserver interface {
	RecordIn(ctx context.Context, rec *Record) error
	RecordError(ctx context.Context, batch []*Record, err error)
	RecordFailed(ctx context.Context, batch []*Record, err error)
}

// BaseTaskObserver is a no-op TaskObserver to embed.
type BaseTaskObserver struct{}

// TaskIn implements TaskObserver.
func (BaseTaskObserver) TaskIn(context.Context, *Task) error { return nil }

// TaskError implements TaskObserver.
func (BaseTaskObserver) TaskError(context.Context, *Task, error) (*Task, error) { return nil, nil }

// TaskFailed implements TaskObserver.
func (BaseTaskObserver) TaskFailed(context.Context, *Task, error) {}

// TaskClose implements TaskObserver.
func (BaseTaskObserver) TaskClose(context.Context, *Task, *Response) (*Task, error) {
	return nil, nil
}

// BaseRecordObserver is a no-op RecordObserver to embed.
type BaseRecordObserver struct{}

// RecordIn implements RecordObserver.
func (BaseRecordObserver) RecordIn(context.Context, *Record) error { return nil }

// RecordError implements RecordObserver.
func (BaseRecordObserver) RecordError(context.Context, []*Record, error) {}

// RecordFailed implements RecordObserver.
func (BaseRecordObserver) RecordFailed(context.Context, []*Record, error) {}
