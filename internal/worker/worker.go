// Package worker runs one process's share of a crawl: the dispatch and record controllers,
// plus, in distributed mode, the cluster coordinator that decides who seeds and when to stop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/swarmcrawl/internal/cluster"
	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/deadletter"
	"github.com/JakeFAU/swarmcrawl/internal/dispatcher"
	"github.com/JakeFAU/swarmcrawl/internal/recorder"
)

// Config controls a Worker.
type Config struct {
	ReplayOnStart bool
}

// Deps are the collaborators a Worker drives. Coordinator is nil in local mode.
type Deps struct {
	Spider      crawler.Spider
	Dispatcher  *dispatcher.Controller
	Recorder    *recorder.Controller
	Tasks       crawler.TaskQueue
	Records     crawler.RecordQueue
	DeadLetters deadletter.Store
	Coordinator *cluster.Coordinator
}

// Worker owns the run of one process.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	seeded  atomic.Bool
	running atomic.Bool
}

// New validates deps and builds a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Worker, error) {
	if deps.Spider == nil || deps.Dispatcher == nil || deps.Recorder == nil {
		return nil, errors.New("worker: spider, dispatcher and recorder are required")
	}
	if deps.Tasks == nil || deps.Records == nil {
		return nil, errors.New("worker: task and record queues are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, deps: deps, logger: logger}, nil
}

// Running reports whether Run is in progress.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Stats returns this worker's dispatch counters.
func (w *Worker) Stats() crawler.StatsSnapshot {
	return w.deps.Dispatcher.Stats()
}

// Run executes the crawl and returns the final counters: the crawl-wide totals when this
// worker led a distributed crawl, its own counters otherwise.
func (w *Worker) Run(ctx context.Context) (crawler.StatsSnapshot, error) {
	w.running.Store(true)
	defer w.running.Store(false)
	if w.deps.Coordinator == nil {
		return w.runLocal(ctx)
	}
	return w.runDistributed(ctx)
}

func (w *Worker) runLocal(ctx context.Context) (crawler.StatsSnapshot, error) {
	if err := w.seed(ctx); err != nil {
		return w.Stats(), err
	}
	var dispatched atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer dispatched.Store(true)
		return w.deps.Dispatcher.RunUntilDrained(gctx)
	})
	g.Go(func() error {
		return w.deps.Recorder.Run(gctx, dispatched.Load)
	})
	runErr := g.Wait()
	closeErr := w.deps.Recorder.Close(context.WithoutCancel(ctx))
	stats := w.Stats()
	w.logger.Info("crawl finished",
		zap.Int64("total", stats.Total),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
	)
	return stats, errors.Join(runErr, closeErr)
}

func (w *Worker) runDistributed(ctx context.Context) (crawler.StatsSnapshot, error) {
	coord := w.deps.Coordinator
	if err := coord.SelfHeal(ctx); err != nil {
		return crawler.StatsSnapshot{}, fmt.Errorf("self heal: %w", err)
	}
	coord.SetStatus(w.status)
	coord.OnPromote(w.promoted)

	leader, err := coord.CompeteForLeader(ctx)
	if err != nil {
		return crawler.StatsSnapshot{}, fmt.Errorf("compete for leader: %w", err)
	}
	if leader {
		w.logger.Info("elected leader", zap.String("worker_id", coord.WorkerID()))
		if err := w.seed(ctx); err != nil {
			return w.Stats(), err
		}
	}

	coordCtx, stopCoord := context.WithCancel(ctx)
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.Run(coordCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.deps.Dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return w.deps.Recorder.Run(gctx, coord.StopObserved)
	})
	runErr := g.Wait()
	stopCoord()
	<-coordDone

	leaveCtx := context.WithoutCancel(ctx)
	closeErr := w.deps.Recorder.Close(leaveCtx)
	total, leaveErr := coord.Leave(leaveCtx, w.Stats())
	return total, errors.Join(runErr, closeErr, leaveErr)
}

// seed enqueues the spider's seeds and, when configured, replays dead letters.
func (w *Worker) seed(ctx context.Context) error {
	n, err := w.deps.Dispatcher.Seed(ctx, w.deps.Spider)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	w.logger.Info("seeded", zap.Int("tasks", n))
	if w.cfg.ReplayOnStart && w.deps.DeadLetters != nil {
		for _, kind := range []deadletter.Kind{deadletter.KindRequest, deadletter.KindItem} {
			if _, err := deadletter.Replay(ctx, w.deps.DeadLetters, kind, w.deps.Tasks, w.deps.Records, w.logger); err != nil {
				return fmt.Errorf("replay %s dead letters: %w", kind, err)
			}
		}
	}
	w.seeded.Store(true)
	return nil
}

func (w *Worker) promoted(ctx context.Context, reseed bool) {
	if !reseed {
		w.seeded.Store(true)
		return
	}
	w.logger.Warn("previous leader died before seeding finished, reseeding")
	if err := w.seed(ctx); err != nil {
		w.logger.Error("reseed after promotion failed", zap.Error(err))
	}
}

func (w *Worker) status(ctx context.Context) cluster.Status {
	idle := w.deps.Dispatcher.Idle()
	drained := w.deps.Recorder.Drained(ctx)
	st := cluster.Status{
		Waiting:        idle && drained,
		RecordsDrained: drained,
	}
	if idle && w.seeded.Load() {
		empty, err := w.deps.Tasks.IsEmpty(ctx)
		st.DispatchDone = err == nil && empty
	}
	return st
}
