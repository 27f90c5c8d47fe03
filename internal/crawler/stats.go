package crawler

import "sync/atomic"

// Stats accumulates task outcomes for one worker. Safe for concurrent use.
type Stats struct {
	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// IncTotal counts a task entering execution. A task parked behind a nested run enters twice.
func (s *Stats) IncTotal() { s.total.Add(1) }

// IncSucceeded counts a task whose send succeeded.
func (s *Stats) IncSucceeded() { s.succeeded.Add(1) }

// IncFailed counts a task that exhausted its retries.
func (s *Stats) IncFailed() { s.failed.Add(1) }

// Merge adds other's counters into s.
func (s *Stats) Merge(other StatsSnapshot) {
	s.total.Add(other.Total)
	s.succeeded.Add(other.Succeeded)
	s.failed.Add(other.Failed)
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Total:     s.total.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
	}
}
