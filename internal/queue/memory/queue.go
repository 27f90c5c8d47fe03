// Package memory provides in-process task and record queues for local runs and nested dispatch.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Queue is an unbounded in-memory queue with timeout-aware Get.
type Queue[T any] struct {
	mu      sync.Mutex
	items   store[T]
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	closeMu sync.Once
}

// New constructs a queue with the given ordering. priority is only consulted for OrderPriority.
func New[T any](ordering crawler.Ordering, priority func(T) int) *Queue[T] {
	var s store[T]
	switch ordering {
	case crawler.OrderFIFO:
		s = &fifo[T]{}
	case crawler.OrderLIFO:
		s = &lifo[T]{}
	default:
		if priority == nil {
			priority = func(T) int { return 0 }
		}
		s = &priorityStore[T]{h: &itemHeap[T]{priority: priority}}
	}
	return &Queue[T]{
		items:  s,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewTaskQueue builds a task queue honoring task priorities.
func NewTaskQueue(ordering crawler.Ordering) *Queue[*crawler.Task] {
	return New(ordering, crawler.TaskPriority)
}

// NewRecordQueue builds a FIFO record queue.
func NewRecordQueue() *Queue[*crawler.Record] {
	return New(crawler.OrderFIFO, crawler.RecordPriority)
}

// Put appends an item and wakes one waiting consumer.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return crawler.ErrClosed
	}
	q.items.push(item)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Get pops the next item, waiting up to timeout. ok is false when nothing arrived in time.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var zero T
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		q.mu.Lock()
		if item, ok := q.items.pop(); ok {
			more := q.items.len() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, false, crawler.ErrClosed
		}
		if timer == nil {
			return zero, false, nil
		}
		select {
		case <-ctx.Done():
			return zero, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
		case <-q.notify:
		case <-timer:
			return zero, false, nil
		}
	}
}

// Size reports the number of queued items.
func (q *Queue[T]) Size(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len(), nil
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue[T]) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Size(ctx)
	return n == 0, err
}

// Close stops accepting items. Queued items can still be drained.
func (q *Queue[T]) Close() {
	q.closeMu.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type store[T any] interface {
	push(T)
	pop() (T, bool)
	len() int
}

type fifo[T any] struct {
	items []T
}

func (f *fifo[T]) push(item T) { f.items = append(f.items, item) }

func (f *fifo[T]) pop() (T, bool) {
	var zero T
	if len(f.items) == 0 {
		return zero, false
	}
	item := f.items[0]
	f.items[0] = zero
	f.items = f.items[1:]
	return item, true
}

func (f *fifo[T]) len() int { return len(f.items) }

type lifo[T any] struct {
	items []T
}

func (l *lifo[T]) push(item T) { l.items = append(l.items, item) }

func (l *lifo[T]) pop() (T, bool) {
	var zero T
	n := len(l.items)
	if n == 0 {
		return zero, false
	}
	item := l.items[n-1]
	l.items[n-1] = zero
	l.items = l.items[:n-1]
	return item, true
}

func (l *lifo[T]) len() int { return len(l.items) }

// priorityStore releases the lowest priority number first. Equal priorities come out in no particular order.
type priorityStore[T any] struct {
	h *itemHeap[T]
}

func (p *priorityStore[T]) push(item T) { heap.Push(p.h, item) }

func (p *priorityStore[T]) pop() (T, bool) {
	var zero T
	if p.h.Len() == 0 {
		return zero, false
	}
	item, ok := heap.Pop(p.h).(T)
	return item, ok
}

func (p *priorityStore[T]) len() int { return p.h.Len() }

type itemHeap[T any] struct {
	items    []T
	priority func(T) int
}

func (h *itemHeap[T]) Len() int           { return len(h.items) }
func (h *itemHeap[T]) Less(i, j int) bool { return h.priority(h.items[i]) < h.priority(h.items[j]) }
func (h *itemHeap[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *itemHeap[T]) Push(x any) {
	item, ok := x.(T)
	if !ok {
		return
	}
	h.items = append(h.items, item)
}

func (h *itemHeap[T]) Pop() any {
	var zero T
	n := len(h.items)
	item := h.items[n-1]
	h.items[n-1] = zero
	h.items = h.items[:n-1]
	return item
}
