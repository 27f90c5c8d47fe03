package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Filter records every task fingerprint and drops repeats of tasks that opted into
// filtering. A task that passes has FilterRepeat cleared so retries, replays and
// nested re-enqueues of the same task are not mistaken for duplicates.
type Filter struct {
	crawler.BaseTaskObserver

	filter crawler.Filter
	hasher crawler.Hasher
	logger *zap.Logger
}

// NewFilter builds a Filter over f.
func NewFilter(f crawler.Filter, hasher crawler.Hasher, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{filter: f, hasher: hasher, logger: logger}
}

// TaskIn implements crawler.TaskObserver. Filter errors let the task through.
func (f *Filter) TaskIn(ctx context.Context, task *crawler.Task) error {
	fp, err := crawler.TaskFingerprint(f.hasher, task)
	if err != nil {
		f.logger.Warn("fingerprint task", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	repeat, err := f.filter.IsRepeat(ctx, fp)
	if err != nil {
		f.logger.Warn("dedup filter unavailable", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	if repeat && task.FilterRepeat {
		return crawler.Drop("duplicate task")
	}
	task.FilterRepeat = false
	return nil
}
