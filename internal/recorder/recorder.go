// Package recorder drains the record queue into a storage pipeline in bounded batches.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/metrics"
)

// Record outcomes reported to metrics.
const (
	OutcomeFlushed = "flushed"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
)

// Config controls a Controller.
type Config struct {
	// BufferMax is the batch size that forces a flush; 0 flushes every record.
	BufferMax   int
	PollTimeout time.Duration
	Retry       *crawler.ExponentialRetryPolicy
}

// Closer closes a pipeline exactly once no matter how many controllers share it.
type Closer struct {
	once     sync.Once
	pipeline crawler.Pipeline
	err      error
}

// NewCloser wraps p.
func NewCloser(p crawler.Pipeline) *Closer {
	return &Closer{pipeline: p}
}

// Close closes the pipeline on the first call and returns that result on every call.
func (c *Closer) Close(ctx context.Context) error {
	c.once.Do(func() {
		if err := c.pipeline.Close(ctx); err != nil {
			c.err = fmt.Errorf("close pipeline: %w", err)
		}
	})
	return c.err
}

// Controller buffers records and flushes them through a pipeline with retries.
type Controller struct {
	cfg       Config
	queue     crawler.RecordQueue
	pipeline  crawler.Pipeline
	observers []crawler.RecordObserver
	closer    *Closer
	logger    *zap.Logger

	mu     sync.Mutex
	buffer []*crawler.Record
	idle   atomic.Bool
}

// New builds a Controller. A nil closer gets a private one.
func New(
	cfg Config,
	queue crawler.RecordQueue,
	pipeline crawler.Pipeline,
	observers []crawler.RecordObserver,
	closer *Closer,
	logger *zap.Logger,
) *Controller {
	if cfg.BufferMax < 0 {
		cfg.BufferMax = 0
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = crawler.DefaultRetryPolicy()
	}
	if closer == nil {
		closer = NewCloser(pipeline)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:       cfg,
		queue:     queue,
		pipeline:  pipeline,
		observers: observers,
		closer:    closer,
		logger:    logger,
	}
}

// Accept runs the RecordIn hooks and buffers rec, flushing synchronously once the buffer is full.
// The flush completes before Accept returns, so the next record never lands in a full buffer.
func (c *Controller) Accept(ctx context.Context, rec *crawler.Record) error {
	for _, o := range c.observers {
		if err := o.RecordIn(ctx, rec); err != nil {
			metrics.ObserveRecords(OutcomeDropped, 1)
			if crawler.IsDrop(err) {
				c.logger.Debug("record dropped", zap.String("kind", rec.Kind), zap.Error(err))
				return nil
			}
			return fmt.Errorf("record hook: %w", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(c.buffer, rec)
	if len(c.buffer) >= c.cfg.BufferMax {
		return c.flushLocked(ctx)
	}
	return nil
}

// Flush saves whatever is buffered.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

// Buffered reports how many records wait for the next flush.
func (c *Controller) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Controller) flushLocked(ctx context.Context) error {
	if len(c.buffer) == 0 {
		return nil
	}
	batch := c.buffer
	c.buffer = nil

	start := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		err = c.pipeline.Save(ctx, batch)
		if err == nil {
			metrics.ObserveRecords(OutcomeFlushed, len(batch))
			metrics.ObserveFlush(time.Since(start))
			c.logger.Debug("flushed records", zap.Int("count", len(batch)))
			return nil
		}
		c.logger.Warn("pipeline save failed", zap.Int("count", len(batch)), zap.Int("attempt", attempt+1), zap.Error(err))
		for _, o := range c.observers {
			o.RecordError(ctx, batch, err)
		}
		if !c.cfg.Retry.ShouldRetry(err, attempt) {
			break
		}
		if waitErr := c.cfg.Retry.Wait(ctx, attempt); waitErr != nil {
			err = errors.Join(err, waitErr)
			break
		}
	}
	metrics.ObserveRecords(OutcomeFailed, len(batch))
	for _, o := range c.observers {
		o.RecordFailed(ctx, batch, err)
	}
	return fmt.Errorf("flush %d records: %w", len(batch), err)
}

// Run pulls records until done reports true while the queue is empty, then flushes the
// partial buffer once. Flush failures are handed to the hooks and do not end the loop.
func (c *Controller) Run(ctx context.Context, done func() bool) error {
	for {
		if ctx.Err() != nil {
			break
		}
		rec, ok, err := c.queue.Get(ctx, c.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrClosed) {
				break
			}
			c.logger.Warn("record dequeue failed", zap.Error(err))
			continue
		}
		if ok {
			c.idle.Store(false)
			if err := c.Accept(ctx, rec); err != nil {
				c.logger.Error("accept record", zap.Error(err))
			}
			continue
		}
		c.idle.Store(true)
		if done != nil && done() {
			break
		}
	}
	err := c.Flush(context.WithoutCancel(ctx))
	c.idle.Store(true)
	return err
}

// Drained reports that the record queue is empty and this controller has caught up with it.
func (c *Controller) Drained(ctx context.Context) bool {
	if !c.idle.Load() {
		return false
	}
	empty, err := c.queue.IsEmpty(ctx)
	return err == nil && empty
}

// Close flushes the buffer and closes the shared pipeline once per process.
func (c *Controller) Close(ctx context.Context) error {
	flushErr := c.Flush(ctx)
	return errors.Join(flushErr, c.closer.Close(ctx))
}
