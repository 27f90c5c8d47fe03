package middleware

import (
	"context"
	"maps"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Stats counts responses by status code and failures by callback.
type Stats struct {
	crawler.BaseTaskObserver

	logger *zap.Logger

	mu       sync.Mutex
	statuses map[string]int64
	failures map[string]int64
}

// StatsSnapshot is a copy of the Stats counters.
type StatsSnapshot struct {
	Statuses map[string]int64 `json:"statuses"`
	Failures map[string]int64 `json:"failures"`
}

// NewStats returns empty counters. The summary is logged when the spider closes.
func NewStats(logger *zap.Logger) *Stats {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stats{
		logger:   logger,
		statuses: make(map[string]int64),
		failures: make(map[string]int64),
	}
}

// TaskClose implements crawler.TaskObserver.
func (s *Stats) TaskClose(_ context.Context, _ *crawler.Task, resp *crawler.Response) (*crawler.Task, error) {
	code := "unknown"
	if resp != nil && resp.StatusCode > 0 {
		code = strconv.Itoa(resp.StatusCode)
	}
	s.mu.Lock()
	s.statuses[code]++
	s.mu.Unlock()
	return nil, nil
}

// TaskFailed implements crawler.TaskObserver.
func (s *Stats) TaskFailed(_ context.Context, task *crawler.Task, _ error) {
	key := task.Callback
	if key == "" {
		key = "default"
	}
	s.mu.Lock()
	s.failures[key]++
	s.mu.Unlock()
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Statuses: maps.Clone(s.statuses),
		Failures: maps.Clone(s.failures),
	}
}

// SpiderStart implements crawler.LifecycleObserver.
func (s *Stats) SpiderStart(context.Context, string) {}

// SpiderError implements crawler.LifecycleObserver.
func (s *Stats) SpiderError(context.Context, string, error) {}

// SpiderClose implements crawler.LifecycleObserver.
func (s *Stats) SpiderClose(_ context.Context, spider string) {
	snap := s.Snapshot()
	s.logger.Info("response summary",
		zap.String("spider", spider),
		zap.Any("statuses", snap.Statuses),
		zap.Any("failures", snap.Failures),
	)
}
