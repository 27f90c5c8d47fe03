package cluster

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/lock"
)

// Leave merges this worker's stats into the shared totals and withdraws its heartbeat.
// The leader additionally waits for peers to leave, logs the crawl totals and clears the
// coordination keys. The returned snapshot is the crawl total for the leader and the
// worker's own counters otherwise.
func (c *Coordinator) Leave(ctx context.Context, stats crawler.StatsSnapshot) (crawler.StatsSnapshot, error) {
	merge := func(ctx context.Context) error {
		pipe := c.client.TxPipeline()
		pipe.HIncrBy(ctx, c.keys.Stats(), "total", stats.Total)
		pipe.HIncrBy(ctx, c.keys.Stats(), "succeeded", stats.Succeeded)
		pipe.HIncrBy(ctx, c.keys.Stats(), "failed", stats.Failed)
		pipe.HDel(ctx, c.keys.Heartbeat(), c.cfg.WorkerID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("merge stats: %w", err)
		}
		return nil
	}
	ran, err := lock.With(ctx, c.locker, LockRecord, c.cfg.LockWait, c.cfg.LockHold, merge)
	if err != nil {
		return stats, err
	}
	if !ran {
		c.logger.Warn("record lock busy, merging stats without it")
		if err := merge(ctx); err != nil {
			return stats, err
		}
	}
	if err := c.confirmLeadership(ctx); err != nil {
		return stats, err
	}
	if !c.IsLeader() {
		c.setRole(Follower)
		return stats, nil
	}

	c.waitForPeers(ctx)
	total, err := c.AggregatedStats(ctx)
	if err != nil {
		return stats, err
	}
	c.logger.Info("crawl finished",
		zap.Int64("total", total.Total),
		zap.Int64("succeeded", total.Succeeded),
		zap.Int64("failed", total.Failed),
	)
	// Master comes first: the keys are only cleared while this worker's token is still in place.
	keys := append(c.keys.Coordination(), c.keys.Stats())
	if !c.cfg.PersistFilters {
		keys = append(keys, c.keys.Filters()...)
	}
	n, err := compareAndDelete.Run(ctx, c.client, keys, c.heldToken()).Int()
	if err != nil {
		return total, fmt.Errorf("clear coordination keys: %w", err)
	}
	if n == 0 {
		token, _, _ := c.Leader(ctx)
		c.demote(token.WorkerID)
		return stats, nil
	}
	c.setRole(Follower)
	c.held.Store("")
	return total, nil
}

func (c *Coordinator) waitForPeers(ctx context.Context) {
	deadline := time.Now().Add(c.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		n, err := c.client.HLen(ctx, c.keys.Heartbeat()).Result()
		if err != nil || n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.CheckInterval):
		}
	}
	c.logger.Warn("peers still registered after drain timeout")
}

// AggregatedStats reads the crawl-wide counters merged so far.
func (c *Coordinator) AggregatedStats(ctx context.Context) (crawler.StatsSnapshot, error) {
	raw, err := c.client.HGetAll(ctx, c.keys.Stats()).Result()
	if err != nil {
		return crawler.StatsSnapshot{}, fmt.Errorf("read stats: %w", err)
	}
	parse := func(k string) int64 {
		v, err := strconv.ParseInt(raw[k], 10, 64)
		if err != nil {
			return 0
		}
		return v
	}
	return crawler.StatsSnapshot{
		Total:     parse("total"),
		Succeeded: parse("succeeded"),
		Failed:    parse("failed"),
	}, nil
}

// View is a read-only snapshot of cluster state for operators.
type View struct {
	WorkerID   string                    `json:"worker_id"`
	Role       string                    `json:"role"`
	Leader     *crawler.LeaderToken      `json:"leader,omitempty"`
	Heartbeats []crawler.HeartbeatRecord `json:"heartbeats"`
	Suspects   []string                  `json:"suspects"`
	Stopped    bool                      `json:"stopped"`
}

// Snapshot collects the current cluster view.
func (c *Coordinator) Snapshot(ctx context.Context) (View, error) {
	v := View{WorkerID: c.cfg.WorkerID, Role: c.Role().String()}
	token, ok, err := c.Leader(ctx)
	if err != nil {
		return v, err
	}
	if ok {
		v.Leader = &token
	}
	beats, err := c.Heartbeats(ctx)
	if err != nil {
		return v, err
	}
	for _, hb := range beats {
		v.Heartbeats = append(v.Heartbeats, hb)
	}
	sort.Slice(v.Heartbeats, func(i, j int) bool { return v.Heartbeats[i].WorkerID < v.Heartbeats[j].WorkerID })
	suspects, err := c.client.SMembers(ctx, c.keys.HeartbeatFailed()).Result()
	if err != nil {
		return v, fmt.Errorf("read suspects: %w", err)
	}
	sort.Strings(suspects)
	v.Suspects = suspects
	v.Stopped, err = c.Stopped(ctx)
	return v, err
}
