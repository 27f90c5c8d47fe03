package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/deadletter"
)

// Recycle writes tasks that exhausted their retries to the dead-letter store.
type Recycle struct {
	crawler.BaseTaskObserver

	spider string
	store  deadletter.Store
	clock  crawler.Clock
	logger *zap.Logger
}

// NewRecycle builds a Recycle for spider.
func NewRecycle(spider string, store deadletter.Store, clock crawler.Clock, logger *zap.Logger) *Recycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recycle{spider: spider, store: store, clock: clock, logger: logger}
}

// TaskFailed implements crawler.TaskObserver.
func (r *Recycle) TaskFailed(ctx context.Context, task *crawler.Task, err error) {
	env, encErr := crawler.NewTaskEnvelope(r.spider, task)
	if encErr != nil {
		r.logger.Error("encode dead task", zap.String("task_id", task.ID), zap.Error(encErr))
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	env = deadletter.Stamp(env, reason, task.Retries+1, r.clock.Now())
	if addErr := r.store.Add(context.WithoutCancel(ctx), env); addErr != nil {
		r.logger.Error("dead-letter task", zap.String("task_id", task.ID), zap.Error(addErr))
	}
}
