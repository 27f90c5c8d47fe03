// Package cluster elects a leader among crawl workers, publishes and consumes heartbeats,
// detects dead peers and decides when the whole crawl has finished.
//
// All shared state lives in Redis: a hash of heartbeats, a set of suspected workers,
// the leader token and a stop sentinel. Mutations of the token and of the suspect set
// happen under named locks acquired without waiting, so a worker that loses the race
// simply skips that cycle.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/lock"
	"github.com/JakeFAU/swarmcrawl/internal/metrics"
	"github.com/JakeFAU/swarmcrawl/internal/redisstore"
)

// Lock names used by the coordinator.
const (
	LockElection  = "election"
	LockHeartbeat = "heartbeat"
	LockRecord    = "record"
)

// Role is a worker's position in the election.
type Role int32

// Worker roles.
const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Candidate:
		return "candidate"
	default:
		return "follower"
	}
}

// Status is the local progress a worker reports in its heartbeat.
type Status struct {
	Waiting        bool
	DispatchDone   bool
	RecordsDrained bool
}

// StatusFunc reports the worker's current progress.
type StatusFunc func(ctx context.Context) Status

// PromoteFunc runs after this worker takes over from a dead leader.
// reseed is true when the dead leader had not finished seeding.
type PromoteFunc func(ctx context.Context, reseed bool)

// Config tunes heartbeat timing.
type Config struct {
	WorkerID       string
	Interval       time.Duration
	CheckInterval  time.Duration
	Margin         time.Duration
	LockHold       time.Duration
	LockWait       time.Duration
	DrainTimeout   time.Duration
	PersistFilters bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 4 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = c.Interval / 2
	}
	if c.Margin <= 0 {
		c.Margin = time.Second
	}
	if c.LockHold <= 0 {
		c.LockHold = 10 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 3 * c.Interval
	}
	return c
}

// FailoverBound is the longest a dead leader can go unreplaced.
func (c Config) FailoverBound() time.Duration {
	c = c.withDefaults()
	return 2*c.Interval + c.Margin
}

// Coordinator runs the election and heartbeat protocol for one worker.
type Coordinator struct {
	client goredis.UniversalClient
	keys   redisstore.Keys
	locker lock.Locker
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	status    StatusFunc
	onPromote PromoteFunc

	role    atomic.Int32
	stopped atomic.Bool
	// held is the raw token this worker last wrote to master, "" when it holds none.
	held atomic.Value
}

// compareAndDelete deletes every key only while KEYS[1] still holds ARGV[1].
var compareAndDelete = goredis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then
	return 0
end
return redis.call("del", unpack(KEYS))
`)

// New builds a Coordinator. The worker starts as a Follower until CompeteForLeader succeeds.
func New(
	client goredis.UniversalClient,
	keys redisstore.Keys,
	locker lock.Locker,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		client: client,
		keys:   keys,
		locker: locker,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("worker_id", cfg.WorkerID)),
		status: func(context.Context) Status { return Status{} },
	}
}

// SetStatus installs the progress source published in heartbeats.
func (c *Coordinator) SetStatus(fn StatusFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = fn
}

// OnPromote installs the hook run after a takeover.
func (c *Coordinator) OnPromote(fn PromoteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPromote = fn
}

// WorkerID returns this worker's id.
func (c *Coordinator) WorkerID() string {
	return c.cfg.WorkerID
}

// Role returns the current role.
func (c *Coordinator) Role() Role {
	return Role(c.role.Load())
}

// IsLeader reports whether this worker holds the leader token.
func (c *Coordinator) IsLeader() bool {
	return c.Role() == Leader
}

func (c *Coordinator) setRole(r Role) {
	c.role.Store(int32(r))
	metrics.SetLeader(r == Leader)
}

func (c *Coordinator) heldToken() string {
	raw, _ := c.held.Load().(string)
	return raw
}

func (c *Coordinator) demote(leader string) {
	c.setRole(Follower)
	c.held.Store("")
	c.logger.Warn("lost leadership", zap.String("leader", leader))
}

// confirmLeadership steps down when the token has been rewritten by another worker,
// which happens when this worker stalled long enough to be declared dead.
func (c *Coordinator) confirmLeadership(ctx context.Context) error {
	if !c.IsLeader() {
		return nil
	}
	token, ok, err := c.Leader(ctx)
	if err != nil {
		return err
	}
	if ok && token.WorkerID != c.cfg.WorkerID {
		c.demote(token.WorkerID)
	}
	return nil
}

func (c *Coordinator) window() time.Duration {
	return 2*c.cfg.Interval + c.cfg.Margin
}

func (c *Coordinator) staleAfter() time.Duration {
	return c.cfg.Interval + c.cfg.Margin
}

// SelfHeal clears state left behind by an unclean shutdown: a leader token whose worker
// stopped beating long ago, and a stop sentinel nobody is alive to honor.
func (c *Coordinator) SelfHeal(ctx context.Context) error {
	now := c.clock.Now()
	beats, err := c.Heartbeats(ctx)
	if err != nil {
		return err
	}
	token, raw, ok, err := c.readToken(ctx)
	if err != nil {
		return err
	}
	if ok {
		hb, alive := beats[token.WorkerID]
		silent := !alive || now.Sub(hb.Timestamp) > c.window()
		if silent && now.Sub(token.Timestamp) > c.window() {
			if err := c.purgeToken(ctx, token.WorkerID, raw); err != nil {
				return err
			}
		}
	}
	anyFresh := false
	for _, hb := range beats {
		if now.Sub(hb.Timestamp) <= c.window() {
			anyFresh = true
			break
		}
	}
	if !anyFresh {
		n, err := c.client.Del(ctx, c.keys.Stop(), c.keys.HeartbeatFailed()).Result()
		if err != nil {
			return fmt.Errorf("purge stale stop sentinel: %w", err)
		}
		if n > 0 {
			c.logger.Info("cleared coordination keys from a previous run")
		}
	}
	return nil
}

// purgeToken deletes master only if it still holds the stale raw token, so a peer that
// claimed leadership in the meantime keeps it.
func (c *Coordinator) purgeToken(ctx context.Context, stale, raw string) error {
	var purged bool
	ran, err := lock.With(ctx, c.locker, LockElection, c.cfg.LockWait, c.cfg.LockHold, func(ctx context.Context) error {
		n, err := compareAndDelete.Run(ctx, c.client, []string{c.keys.Master()}, raw).Int()
		if err != nil {
			return fmt.Errorf("purge stale leader token: %w", err)
		}
		purged = n > 0
		return nil
	})
	if err != nil {
		return err
	}
	switch {
	case !ran:
		c.logger.Debug("election lock busy, leaving stale token for the next check")
	case purged:
		c.logger.Warn("purged stale leader token", zap.String("stale_leader", stale))
	default:
		c.logger.Info("leader token changed before purge", zap.String("stale_leader", stale))
	}
	return nil
}

// CompeteForLeader tries once, without waiting, to become leader.
func (c *Coordinator) CompeteForLeader(ctx context.Context) (bool, error) {
	c.setRole(Candidate)
	won := false
	ran, err := lock.With(ctx, c.locker, LockElection, 0, c.cfg.LockHold, func(ctx context.Context) error {
		raw, err := c.encodeToken()
		if err != nil {
			return err
		}
		ok, err := c.client.SetNX(ctx, c.keys.Master(), raw, 0).Result()
		if err != nil {
			return fmt.Errorf("setnx leader token: %w", err)
		}
		if ok {
			won = true
			c.held.Store(string(raw))
			return nil
		}
		token, current, exists, err := c.readToken(ctx)
		if err != nil {
			return err
		}
		won = exists && token.WorkerID == c.cfg.WorkerID
		if won {
			c.held.Store(current)
		}
		return nil
	})
	if err != nil {
		c.setRole(Follower)
		return false, err
	}
	if !ran || !won {
		c.setRole(Follower)
		c.logger.Debug("not leader this cycle", zap.Bool("lock_acquired", ran))
		return false, nil
	}
	c.setRole(Leader)
	if err := c.client.Del(ctx, c.keys.Stop(), c.keys.HeartbeatFailed()).Err(); err != nil {
		return true, fmt.Errorf("reset coordination keys: %w", err)
	}
	c.stopped.Store(false)
	c.logger.Info("elected leader")
	return true, nil
}

// Beat publishes this worker's heartbeat. A leader first checks that the token still names it.
func (c *Coordinator) Beat(ctx context.Context) error {
	if err := c.confirmLeadership(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	statusFn := c.status
	c.mu.RUnlock()
	st := statusFn(ctx)
	hb := crawler.HeartbeatRecord{
		WorkerID:       c.cfg.WorkerID,
		Timestamp:      c.clock.Now(),
		Waiting:        st.Waiting,
		DispatchDone:   c.IsLeader() && st.DispatchDone,
		RecordsDrained: st.RecordsDrained,
	}
	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := c.client.HSet(ctx, c.keys.Heartbeat(), c.cfg.WorkerID, raw).Err(); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}

// Heartbeats returns every published heartbeat keyed by worker id. Malformed entries are skipped.
func (c *Coordinator) Heartbeats(ctx context.Context) (map[string]crawler.HeartbeatRecord, error) {
	raw, err := c.client.HGetAll(ctx, c.keys.Heartbeat()).Result()
	if err != nil {
		return nil, fmt.Errorf("read heartbeats: %w", err)
	}
	out := make(map[string]crawler.HeartbeatRecord, len(raw))
	for id, v := range raw {
		var hb crawler.HeartbeatRecord
		if err := json.Unmarshal([]byte(v), &hb); err != nil {
			c.logger.Warn("skipping malformed heartbeat", zap.String("peer", id), zap.Error(err))
			continue
		}
		out[id] = hb
	}
	return out, nil
}

// Leader returns the current leader token, if any.
func (c *Coordinator) Leader(ctx context.Context) (crawler.LeaderToken, bool, error) {
	token, _, ok, err := c.readToken(ctx)
	return token, ok, err
}

func (c *Coordinator) readToken(ctx context.Context) (crawler.LeaderToken, string, bool, error) {
	raw, err := c.client.Get(ctx, c.keys.Master()).Result()
	if errors.Is(err, goredis.Nil) {
		return crawler.LeaderToken{}, "", false, nil
	}
	if err != nil {
		return crawler.LeaderToken{}, "", false, fmt.Errorf("read leader token: %w", err)
	}
	var token crawler.LeaderToken
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return crawler.LeaderToken{}, "", false, fmt.Errorf("decode leader token: %w", err)
	}
	return token, raw, true, nil
}

// Stopped reports whether the global stop sentinel is set.
func (c *Coordinator) Stopped(ctx context.Context) (bool, error) {
	n, err := c.client.Exists(ctx, c.keys.Stop()).Result()
	if err != nil {
		return c.stopped.Load(), fmt.Errorf("read stop sentinel: %w", err)
	}
	c.stopped.Store(n > 0)
	return n > 0, nil
}

// StopObserved returns the last observed stop state without a round trip.
func (c *Coordinator) StopObserved() bool {
	return c.stopped.Load()
}

// CheckOnce scans heartbeats if no other worker is doing so right now.
func (c *Coordinator) CheckOnce(ctx context.Context) error {
	var promoted, reseed bool
	ran, err := lock.With(ctx, c.locker, LockHeartbeat, 0, c.cfg.LockHold, func(ctx context.Context) error {
		var cerr error
		promoted, reseed, cerr = c.check(ctx)
		return cerr
	})
	if err != nil {
		return err
	}
	if !ran {
		return nil
	}
	if promoted {
		c.mu.RLock()
		hook := c.onPromote
		c.mu.RUnlock()
		if hook != nil {
			hook(ctx, reseed)
		}
	}
	return nil
}

func (c *Coordinator) check(ctx context.Context) (promoted, reseed bool, err error) {
	now := c.clock.Now()
	beats, err := c.Heartbeats(ctx)
	if err != nil {
		return false, false, err
	}
	suspects, err := c.client.SMembers(ctx, c.keys.HeartbeatFailed()).Result()
	if err != nil {
		return false, false, fmt.Errorf("read suspects: %w", err)
	}
	suspect := make(map[string]bool, len(suspects))
	for _, id := range suspects {
		suspect[id] = true
	}
	token, hasLeader, err := c.Leader(ctx)
	if err != nil {
		return false, false, err
	}
	if c.IsLeader() && hasLeader && token.WorkerID != c.cfg.WorkerID {
		c.demote(token.WorkerID)
	}

	for id, hb := range beats {
		if id == c.cfg.WorkerID {
			continue
		}
		silent := now.Sub(hb.Timestamp) > c.staleAfter()
		switch {
		case silent && suspect[id]:
			if err := c.purge(ctx, id); err != nil {
				return false, false, err
			}
			delete(beats, id)
			metrics.ObservePeerDeath()
			c.logger.Warn("peer declared dead", zap.String("peer", id))
			if hasLeader && token.WorkerID == id {
				if err := c.claim(ctx); err != nil {
					return false, false, err
				}
				token = crawler.LeaderToken{WorkerID: c.cfg.WorkerID, Timestamp: now}
				promoted, reseed = true, !hb.DispatchDone
			}
		case silent:
			if err := c.client.SAdd(ctx, c.keys.HeartbeatFailed(), id).Err(); err != nil {
				return false, false, fmt.Errorf("mark suspect: %w", err)
			}
			c.logger.Warn("peer suspected dead", zap.String("peer", id), zap.Time("last_seen", hb.Timestamp))
		case suspect[id]:
			if err := c.client.SRem(ctx, c.keys.HeartbeatFailed(), id).Err(); err != nil {
				return false, false, fmt.Errorf("clear suspect: %w", err)
			}
			c.logger.Info("peer recovered", zap.String("peer", id))
		}
	}

	// A leader that died before its first heartbeat never shows up in the scan above.
	if hasLeader && token.WorkerID != c.cfg.WorkerID {
		if _, alive := beats[token.WorkerID]; !alive && now.Sub(token.Timestamp) > c.window() {
			if err := c.claim(ctx); err != nil {
				return false, false, err
			}
			c.logger.Warn("leader token orphaned, taking over", zap.String("stale_leader", token.WorkerID))
			token = crawler.LeaderToken{WorkerID: c.cfg.WorkerID, Timestamp: now}
			promoted, reseed = true, true
		}
	}

	if hasLeader && c.terminated(beats, token.WorkerID) {
		if err := c.client.Set(ctx, c.keys.Stop(), now.Format(time.RFC3339Nano), 0).Err(); err != nil {
			return promoted, reseed, fmt.Errorf("set stop sentinel: %w", err)
		}
		if !c.stopped.Swap(true) {
			c.logger.Info("global termination detected", zap.Int("workers", len(beats)))
		}
	}
	return promoted, reseed, nil
}

func (c *Coordinator) terminated(beats map[string]crawler.HeartbeatRecord, leaderID string) bool {
	leader, ok := beats[leaderID]
	if !ok || !leader.DispatchDone || !leader.RecordsDrained {
		return false
	}
	for _, hb := range beats {
		if !hb.Waiting {
			return false
		}
	}
	return true
}

func (c *Coordinator) purge(ctx context.Context, id string) error {
	_, err := c.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SRem(ctx, c.keys.HeartbeatFailed(), id)
		p.HDel(ctx, c.keys.Heartbeat(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge dead peer %s: %w", id, err)
	}
	return nil
}

// claim rewrites the leader token. Callers hold the heartbeat-check lock.
func (c *Coordinator) claim(ctx context.Context) error {
	raw, err := c.encodeToken()
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.keys.Master(), raw, 0).Err(); err != nil {
		return fmt.Errorf("claim leader token: %w", err)
	}
	c.held.Store(string(raw))
	c.setRole(Leader)
	c.logger.Warn("took over leadership from dead leader")
	return nil
}

func (c *Coordinator) encodeToken() ([]byte, error) {
	raw, err := json.Marshal(crawler.LeaderToken{WorkerID: c.cfg.WorkerID, Timestamp: c.clock.Now()})
	if err != nil {
		return nil, fmt.Errorf("marshal leader token: %w", err)
	}
	return raw, nil
}

// Run beats and checks on every tick until ctx ends. Errors and panics are logged, never returned.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("heartbeat loop panic", zap.Any("panic", r))
		}
	}()
	if err := c.Beat(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("heartbeat publish failed", zap.Error(err))
	}
	if err := c.CheckOnce(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("heartbeat check failed", zap.Error(err))
	}
	if _, err := c.Stopped(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("stop sentinel read failed", zap.Error(err))
	}
}
