package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Logging writes task and spider lifecycle events.
type Logging struct {
	crawler.BaseTaskObserver

	logger *zap.Logger
}

// NewLogging wraps logger.
func NewLogging(logger *zap.Logger) *Logging {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logging{logger: logger}
}

// TaskIn implements crawler.TaskObserver.
func (l *Logging) TaskIn(_ context.Context, task *crawler.Task) error {
	l.logger.Debug("task start",
		zap.String("task_id", task.ID),
		zap.String("url", task.Target.URL),
		zap.String("callback", task.Callback),
		zap.Int("priority", task.Priority),
	)
	return nil
}

// TaskClose implements crawler.TaskObserver.
func (l *Logging) TaskClose(_ context.Context, task *crawler.Task, resp *crawler.Response) (*crawler.Task, error) {
	fields := []zap.Field{zap.String("task_id", task.ID), zap.String("url", task.Target.URL)}
	if resp != nil {
		fields = append(fields, zap.Int("status", resp.StatusCode), zap.Duration("duration", resp.Duration))
	}
	l.logger.Debug("task fetched", fields...)
	return nil, nil
}

// TaskFailed implements crawler.TaskObserver.
func (l *Logging) TaskFailed(_ context.Context, task *crawler.Task, err error) {
	l.logger.Error("task exhausted retries",
		zap.String("task_id", task.ID),
		zap.String("url", task.Target.URL),
		zap.Int("attempt", task.Retries+1),
		zap.Error(err),
	)
}

// SpiderStart implements crawler.LifecycleObserver.
func (l *Logging) SpiderStart(_ context.Context, spider string) {
	l.logger.Info("spider started", zap.String("spider", spider))
}

// SpiderError implements crawler.LifecycleObserver.
func (l *Logging) SpiderError(_ context.Context, spider string, err error) {
	l.logger.Error("spider stopped on error", zap.String("spider", spider), zap.Error(err))
}

// SpiderClose implements crawler.LifecycleObserver.
func (l *Logging) SpiderClose(_ context.Context, spider string) {
	l.logger.Info("spider closed", zap.String("spider", spider))
}
