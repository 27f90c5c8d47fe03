package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/queue/memory"
)

// NestedSpider is a sub-crawl a task can request before it continues.
// Observers replace the parent's hooks for the inner run.
type NestedSpider struct {
	Spider    crawler.Spider
	Observers []crawler.TaskObserver
}

const nestedPoll = 50 * time.Millisecond

// ErrNestedFailed reports that a nested run did not complete cleanly.
var ErrNestedFailed = errors.New("nested dispatch failed")

type nestedRunner struct {
	parent  *Controller
	spiders map[string]NestedSpider
}

// runNested executes the task's nested spider to completion, then re-enqueues the task
// carrying the session state the sub-crawl produced.
func (c *Controller) runNested(ctx context.Context, task *crawler.Task, logger *zap.Logger) error {
	if c.nested == nil {
		err := fmt.Errorf("%w: no nested spiders registered", ErrNestedFailed)
		c.fail(ctx, task, err)
		return err
	}
	merged, stats, err := c.nested.run(ctx, task, logger)
	c.stats.Merge(stats)
	if err != nil {
		if ctx.Err() != nil {
			c.requeue(ctx, task, logger)
			return nil
		}
		c.fail(ctx, task, err)
		return err
	}

	task.Context = task.Context.Merge(merged)
	task.Nested = nil
	if c.cfg.Ordering == crawler.OrderPriority {
		task.Priority = crawler.DecayPriority(task.Priority, c.cfg.PriorityFloor)
	}
	if err := c.Enqueue(ctx, task); err != nil {
		logger.Error("re-enqueue after nested run failed", zap.Error(err))
		return err
	}
	logger.Debug("nested run complete, task re-enqueued")
	return nil
}

func (n *nestedRunner) run(
	ctx context.Context,
	task *crawler.Task,
	logger *zap.Logger,
) (crawler.TaskContext, crawler.StatsSnapshot, error) {
	spec := task.Nested
	ns, ok := n.spiders[spec.Spider]
	if !ok {
		return crawler.TaskContext{}, crawler.StatsSnapshot{}, fmt.Errorf("%w: unknown spider %q", ErrNestedFailed, spec.Spider)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = n.parent.cfg.NestedTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tracker := &sessionTracker{}
	queue := memory.NewTaskQueue(crawler.OrderPriority)
	defer queue.Close()
	inner, err := New(Config{
		Spider:        ns.Spider.Name(),
		Threads:       1,
		PollTimeout:   min(n.parent.cfg.PollTimeout, nestedPoll),
		Ordering:      crawler.OrderPriority,
		PriorityFloor: n.parent.cfg.PriorityFloor,
	}, Deps{
		Queue:     queue,
		Transport: n.parent.deps.Transport,
		Registry:  crawler.RegistryFor(ns.Spider),
		Retry:     n.parent.deps.Retry,
		Observers: append([]crawler.TaskObserver{tracker}, ns.Observers...),
		IDs:       n.parent.deps.IDs,
	}, logger.With(zap.String("nested", ns.Spider.Name())))
	if err != nil {
		return crawler.TaskContext{}, crawler.StatsSnapshot{}, err
	}

	seed := task.Clone()
	seed.Nested = nil
	tracker.observe(seed.Context)
	seeded := 0
	for s := range ns.Spider.Seeds(runCtx) {
		if s == nil {
			continue
		}
		if err := crawler.Inherit(seed, s, nil, inner.inheritOp); err != nil {
			return crawler.TaskContext{}, inner.Stats(), fmt.Errorf("%w: %w", ErrNestedFailed, err)
		}
		if err := inner.Enqueue(runCtx, s); err != nil {
			return crawler.TaskContext{}, inner.Stats(), err
		}
		seeded++
	}
	if seeded == 0 {
		if err := inner.Enqueue(runCtx, seed); err != nil {
			return crawler.TaskContext{}, inner.Stats(), err
		}
	}

	if err := inner.RunUntilDrained(runCtx); err != nil {
		return crawler.TaskContext{}, inner.Stats(), fmt.Errorf("%w: %w", ErrNestedFailed, err)
	}
	if err := runCtx.Err(); err != nil {
		if ctx.Err() != nil {
			return crawler.TaskContext{}, inner.Stats(), ctx.Err()
		}
		return crawler.TaskContext{}, inner.Stats(), fmt.Errorf("%w: timed out after %s", ErrNestedFailed, timeout)
	}
	if failErr := tracker.failure(); failErr != nil {
		return crawler.TaskContext{}, inner.Stats(), fmt.Errorf("%w: %w", ErrNestedFailed, failErr)
	}
	return tracker.session(), inner.Stats(), nil
}

// sessionTracker keeps the context of the most recent successful inner task.
type sessionTracker struct {
	crawler.BaseTaskObserver

	mu     sync.Mutex
	ctx    crawler.TaskContext
	failed error
}

func (s *sessionTracker) observe(tc crawler.TaskContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = tc
}

func (s *sessionTracker) TaskClose(_ context.Context, task *crawler.Task, resp *crawler.Response) (*crawler.Task, error) {
	tc := task.Context
	if resp != nil {
		tc = tc.Merge(crawler.TaskContext{Cookies: resp.Cookies})
	}
	s.observe(tc)
	return nil, nil
}

func (s *sessionTracker) TaskFailed(_ context.Context, task *crawler.Task, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = fmt.Errorf("inner task %s: %w", task.ID, err)
	}
}

func (s *sessionTracker) session() crawler.TaskContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *sessionTracker) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
