// Package dispatcher runs the per-worker task loop: dequeue, hook, send with retries, expand.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/id/uuid"
	"github.com/JakeFAU/swarmcrawl/internal/metrics"
)

const tracerName = "github.com/JakeFAU/swarmcrawl/internal/dispatcher"

// Config controls a Controller.
type Config struct {
	Spider        string
	Threads       int
	PollTimeout   time.Duration
	Ordering      crawler.Ordering
	PriorityFloor int
	// StopOnError halts every thread on the first task error.
	StopOnError   bool
	NestedTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = 1
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.Ordering == "" {
		c.Ordering = crawler.OrderPriority
	}
	if c.NestedTimeout <= 0 {
		c.NestedTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Queue     crawler.TaskQueue
	Records   crawler.RecordQueue
	Transport crawler.Transport
	Registry  *crawler.Registry
	Retry     *crawler.ExponentialRetryPolicy
	Observers []crawler.TaskObserver
	Lifecycle []crawler.LifecycleObserver
	Nested    map[string]NestedSpider
	IDs       crawler.IDGenerator
	// Stop reports the global stop sentinel; checked after every queue Get.
	Stop func(ctx context.Context) bool
}

// Controller pulls tasks from a queue and executes them on a fixed number of threads.
type Controller struct {
	cfg       Config
	deps      Deps
	logger    *zap.Logger
	tracer    trace.Tracer
	stats     crawler.Stats
	waiting   []atomic.Bool
	busy      atomic.Int32
	nested    *nestedRunner
	inheritOp crawler.InheritOptions
}

// New validates deps and builds a Controller.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if deps.Queue == nil {
		return nil, errors.New("dispatcher: task queue is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("dispatcher: transport is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("dispatcher: callback registry is required")
	}
	if deps.Retry == nil {
		deps.Retry = crawler.DefaultRetryPolicy()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(zap.String("spider", cfg.Spider)),
		tracer:  otel.Tracer(tracerName),
		waiting: make([]atomic.Bool, cfg.Threads),
		inheritOp: crawler.InheritOptions{
			Ordering:      cfg.Ordering,
			PriorityFloor: cfg.PriorityFloor,
		},
	}
	if len(deps.Nested) > 0 {
		c.nested = &nestedRunner{parent: c, spiders: deps.Nested}
	}
	return c, nil
}

// Enqueue assigns an ID when missing and puts the task on the queue.
func (c *Controller) Enqueue(ctx context.Context, task *crawler.Task) error {
	if task.ID == "" {
		id, err := c.deps.IDs.NewID()
		if err != nil {
			return fmt.Errorf("assign task id: %w", err)
		}
		task.ID = id
	}
	task.Target.Method = task.Target.HTTPMethod()
	if err := c.deps.Queue.Put(ctx, task); err != nil {
		return fmt.Errorf("queue put: %w", err)
	}
	return nil
}

// Seed enqueues every task produced by the spider's seed sequence.
func (c *Controller) Seed(ctx context.Context, spider crawler.Spider) (int, error) {
	n := 0
	for task := range spider.Seeds(ctx) {
		if task == nil {
			continue
		}
		if err := c.Enqueue(ctx, task); err != nil {
			return n, err
		}
		n++
	}
	c.logger.Info("seeded tasks", zap.Int("count", n))
	return n, nil
}

// Idle reports whether every thread is waiting on an empty queue.
func (c *Controller) Idle() bool {
	for i := range c.waiting {
		if !c.waiting[i].Load() {
			return false
		}
	}
	return true
}

// Stats returns the controller's counters.
func (c *Controller) Stats() crawler.StatsSnapshot {
	return c.stats.Snapshot()
}

// MergeStats folds counters from another run into this controller.
func (c *Controller) MergeStats(s crawler.StatsSnapshot) {
	c.stats.Merge(s)
}

// Run executes tasks until ctx ends or the stop predicate fires.
func (c *Controller) Run(ctx context.Context) error {
	return c.run(ctx, false)
}

// RunUntilDrained executes tasks until the queue is empty and every thread is idle.
func (c *Controller) RunUntilDrained(ctx context.Context) error {
	return c.run(ctx, true)
}

func (c *Controller) run(ctx context.Context, untilDrained bool) error {
	for _, l := range c.deps.Lifecycle {
		l.SpiderStart(ctx, c.cfg.Spider)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range c.cfg.Threads {
		g.Go(func() error {
			return c.loop(gctx, i, untilDrained)
		})
	}
	err := g.Wait()
	if err != nil {
		for _, l := range c.deps.Lifecycle {
			l.SpiderError(ctx, c.cfg.Spider, err)
		}
	}
	for _, l := range c.deps.Lifecycle {
		l.SpiderClose(ctx, c.cfg.Spider)
	}
	return err
}

func (c *Controller) loop(ctx context.Context, thread int, untilDrained bool) error {
	logger := c.logger.With(zap.Int("thread", thread))
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, ok, err := c.deps.Queue.Get(ctx, c.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrClosed) {
				return nil
			}
			logger.Warn("dequeue failed", zap.Error(err))
			c.waiting[thread].Store(true)
			if !sleep(ctx, c.cfg.PollTimeout) {
				return nil
			}
			continue
		}
		if !ok {
			c.waiting[thread].Store(true)
			if untilDrained && c.drained(ctx) {
				return nil
			}
			if c.stopped(ctx) {
				return nil
			}
			continue
		}

		c.busy.Add(1)
		c.waiting[thread].Store(false)
		err = c.execute(ctx, task)
		c.busy.Add(-1)
		if err != nil && c.cfg.StopOnError {
			logger.Error("stopping dispatch on task error", zap.String("task_id", task.ID), zap.Error(err))
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		if c.stopped(ctx) {
			return nil
		}
	}
}

func (c *Controller) drained(ctx context.Context) bool {
	if c.busy.Load() > 0 || !c.Idle() {
		return false
	}
	empty, err := c.deps.Queue.IsEmpty(ctx)
	return err == nil && empty
}

func (c *Controller) stopped(ctx context.Context) bool {
	return c.deps.Stop != nil && c.deps.Stop(ctx)
}

// execute runs one task end to end. The returned error only matters for StopOnError.
func (c *Controller) execute(ctx context.Context, task *crawler.Task) (err error) {
	metrics.IncActiveThreads()
	defer metrics.DecActiveThreads()

	ctx, span := c.tracer.Start(ctx, "dispatch.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.url", task.Target.URL),
		attribute.String("task.callback", task.Callback),
		attribute.Int("task.retries", task.Retries),
	))
	defer span.End()

	logger := c.logger.With(zap.String("task_id", task.ID), zap.String("url", task.Target.URL))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			c.fail(ctx, task, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	c.stats.IncTotal()
	for _, o := range c.deps.Observers {
		if hookErr := o.TaskIn(ctx, task); hookErr != nil {
			if crawler.IsDrop(hookErr) {
				logger.Debug("task dropped", zap.Error(hookErr))
				metrics.ObserveTask(task.Target.URL, metrics.OutcomeDropped)
				return nil
			}
			c.fail(ctx, task, hookErr)
			return hookErr
		}
	}

	if task.Nested != nil {
		return c.runNested(ctx, task, logger)
	}

	resp, done, err := c.send(ctx, task, logger)
	if done {
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			c.requeue(ctx, task, logger)
			return nil
		}
		c.fail(ctx, task, err)
		return err
	}

	c.stats.IncSucceeded()
	metrics.ObserveTask(task.Target.URL, metrics.OutcomeSucceeded)
	for _, o := range c.deps.Observers {
		replacement, hookErr := o.TaskClose(ctx, task, resp)
		if hookErr != nil {
			if crawler.IsDrop(hookErr) {
				logger.Debug("response dropped", zap.Error(hookErr))
				return nil
			}
			logger.Error("close hook failed", zap.Error(hookErr))
			return hookErr
		}
		if replacement != nil {
			c.replace(ctx, replacement, logger)
			return nil
		}
	}
	return c.expand(ctx, task, resp, logger)
}

// send tries the transport until success, a replacement, a drop, or retry exhaustion.
// done reports that the task was consumed by a hook and needs no further handling.
func (c *Controller) send(
	ctx context.Context,
	task *crawler.Task,
	logger *zap.Logger,
) (resp *crawler.Response, done bool, err error) {
	for {
		start := time.Now()
		resp, err = c.deps.Transport.Send(ctx, task)
		metrics.ObserveSend(task.Target.URL, time.Since(start))
		if err == nil {
			return resp, false, nil
		}
		if ctx.Err() != nil {
			return nil, false, err
		}
		logger.Warn("send failed", zap.Int("attempt", task.Retries+1), zap.Error(err))

		for _, o := range c.deps.Observers {
			replacement, hookErr := o.TaskError(ctx, task, err)
			if hookErr != nil && crawler.IsDrop(hookErr) {
				logger.Debug("failed task dropped", zap.Error(hookErr))
				metrics.ObserveTask(task.Target.URL, metrics.OutcomeDropped)
				return nil, true, nil
			}
			if hookErr != nil {
				logger.Warn("error hook failed", zap.Error(hookErr))
			}
			if replacement != nil {
				c.replace(ctx, replacement, logger)
				return nil, true, nil
			}
		}

		if !c.deps.Retry.ShouldRetry(err, task.Retries) {
			return nil, false, err
		}
		task.Retries++
		if waitErr := c.deps.Retry.Wait(ctx, task.Retries-1); waitErr != nil {
			return nil, false, waitErr
		}
	}
}

func (c *Controller) replace(ctx context.Context, replacement *crawler.Task, logger *zap.Logger) {
	metrics.ObserveTask(replacement.Target.URL, metrics.OutcomeReplaced)
	if err := c.Enqueue(ctx, replacement); err != nil {
		logger.Error("enqueue replacement task failed", zap.Error(err))
		return
	}
	logger.Debug("task replaced", zap.String("replacement_id", replacement.ID))
}

func (c *Controller) fail(ctx context.Context, task *crawler.Task, err error) {
	c.stats.IncFailed()
	metrics.ObserveTask(task.Target.URL, metrics.OutcomeFailed)
	c.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("url", task.Target.URL),
		zap.Int("attempt", task.Retries+1),
		zap.Error(err),
	)
	for _, o := range c.deps.Observers {
		o.TaskFailed(ctx, task, err)
	}
}

// requeue puts an in-flight task back when the worker is shutting down mid-send.
func (c *Controller) requeue(ctx context.Context, task *crawler.Task, logger *zap.Logger) {
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PollTimeout)
	defer cancel()
	if err := c.deps.Queue.Put(putCtx, task); err != nil {
		logger.Error("requeue in-flight task failed", zap.Error(err))
		return
	}
	logger.Info("requeued in-flight task on shutdown")
}

// expand resolves the callback and routes each yielded output.
func (c *Controller) expand(
	ctx context.Context,
	task *crawler.Task,
	resp *crawler.Response,
	logger *zap.Logger,
) error {
	handler, err := c.deps.Registry.Resolve(task.Callback)
	if err != nil {
		logger.Error("resolve callback", zap.String("callback", task.Callback), zap.Error(err))
		for _, o := range c.deps.Observers {
			o.TaskFailed(ctx, task, err)
		}
		return err
	}
	for out := range handler(ctx, task, resp) {
		switch {
		case !out.Valid():
			logger.Warn("callback yielded malformed output, ignoring", zap.String("callback", task.Callback))
		case out.Task != nil:
			child := out.Task
			if err := crawler.Inherit(task, child, resp, c.inheritOp); err != nil {
				logger.Warn("drop child task", zap.String("child_url", child.Target.URL), zap.Error(err))
				continue
			}
			if err := c.Enqueue(ctx, child); err != nil {
				logger.Error("enqueue child task failed", zap.Error(err))
			}
		case out.Record != nil:
			c.emit(ctx, task, out.Record, logger)
		}
	}
	return nil
}

func (c *Controller) emit(ctx context.Context, task *crawler.Task, rec *crawler.Record, logger *zap.Logger) {
	if c.deps.Records == nil {
		logger.Warn("callback yielded a record with no record queue attached, ignoring", zap.String("kind", rec.Kind))
		return
	}
	if len(rec.Lineage) == 0 {
		rec.Lineage = append(slices.Clone(task.Lineage), task.ID)
	}
	if err := c.deps.Records.Put(ctx, rec); err != nil {
		logger.Error("enqueue record failed", zap.String("kind", rec.Kind), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
