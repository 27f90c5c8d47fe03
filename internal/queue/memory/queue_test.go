package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

func drainPriorities(t *testing.T, q *Queue[*crawler.Task]) []int {
	t.Helper()
	var got []int
	for {
		task, ok, err := q.Get(context.Background(), 0)
		require.NoError(t, err)
		if !ok {
			return got
		}
		got = append(got, task.Priority)
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(crawler.OrderPriority)
	for _, p := range []int{5, 1, 3} {
		require.NoError(t, q.Put(context.Background(), &crawler.Task{Priority: p}))
	}
	require.Equal(t, []int{1, 3, 5}, drainPriorities(t, q))
}

func TestQueueFIFOAndLIFO(t *testing.T) {
	t.Parallel()

	fifoQ := NewTaskQueue(crawler.OrderFIFO)
	lifoQ := NewTaskQueue(crawler.OrderLIFO)
	for _, p := range []int{5, 1, 3} {
		require.NoError(t, fifoQ.Put(context.Background(), &crawler.Task{Priority: p}))
		require.NoError(t, lifoQ.Put(context.Background(), &crawler.Task{Priority: p}))
	}
	require.Equal(t, []int{5, 1, 3}, drainPriorities(t, fifoQ))
	require.Equal(t, []int{3, 1, 5}, drainPriorities(t, lifoQ))
}

func TestQueueGetTimesOutEmpty(t *testing.T) {
	t.Parallel()

	q := NewRecordQueue()
	start := time.Now()
	_, ok, err := q.Get(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	empty, err := q.IsEmpty(context.Background())
	require.NoError(t, err)
	require.True(t, empty)
}

func TestQueueGetWakesOnPut(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(crawler.OrderFIFO)
	result := make(chan *crawler.Task, 1)
	go func() {
		task, ok, err := q.Get(context.Background(), time.Second)
		if err == nil && ok {
			result <- task
		}
		close(result)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Put(context.Background(), &crawler.Task{ID: "t-1"}))

	select {
	case got := <-result:
		require.NotNil(t, got)
		require.Equal(t, "t-1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("get did not wake up")
	}
}

func TestQueueConcurrentConsumersSeeEveryItemOnce(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(crawler.OrderPriority)
	const n = 200
	for i := range n {
		require.NoError(t, q.Put(context.Background(), &crawler.Task{Priority: i % 7}))
	}

	var (
		mu   sync.Mutex
		seen int
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, ok, err := q.Get(context.Background(), 20*time.Millisecond)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, n, seen)
}

func TestQueueCancelAndClose(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(crawler.OrderFIFO)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := q.Get(ctx, time.Second)
	require.EqualError(t, err, "dequeue canceled: context canceled")
	require.EqualError(t, q.Put(ctx, &crawler.Task{}), "enqueue canceled: context canceled")

	require.NoError(t, q.Put(context.Background(), &crawler.Task{ID: "left"}))
	q.Close()
	q.Close()
	require.ErrorIs(t, q.Put(context.Background(), &crawler.Task{}), crawler.ErrClosed)

	task, ok, err := q.Get(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "left", task.ID)

	_, ok, err = q.Get(context.Background(), time.Second)
	require.ErrorIs(t, err, crawler.ErrClosed)
	require.False(t, ok)
}
