// Package server assembles a worker process from configuration and runs it next to the
// admin HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/api"
	"github.com/JakeFAU/swarmcrawl/internal/clock/system"
	"github.com/JakeFAU/swarmcrawl/internal/cluster"
	"github.com/JakeFAU/swarmcrawl/internal/config"
	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/deadletter"
	"github.com/JakeFAU/swarmcrawl/internal/dispatcher"
	"github.com/JakeFAU/swarmcrawl/internal/filter"
	memfilter "github.com/JakeFAU/swarmcrawl/internal/filter/memory"
	redisfilter "github.com/JakeFAU/swarmcrawl/internal/filter/redis"
	"github.com/JakeFAU/swarmcrawl/internal/hash/sha256"
	"github.com/JakeFAU/swarmcrawl/internal/id/uuid"
	"github.com/JakeFAU/swarmcrawl/internal/lock"
	"github.com/JakeFAU/swarmcrawl/internal/logging"
	"github.com/JakeFAU/swarmcrawl/internal/middleware"
	"github.com/JakeFAU/swarmcrawl/internal/pipeline"
	pgpipeline "github.com/JakeFAU/swarmcrawl/internal/pipeline/postgres"
	pubsubpublisher "github.com/JakeFAU/swarmcrawl/internal/publisher/pubsub"
	memqueue "github.com/JakeFAU/swarmcrawl/internal/queue/memory"
	redisqueue "github.com/JakeFAU/swarmcrawl/internal/queue/redis"
	"github.com/JakeFAU/swarmcrawl/internal/recorder"
	"github.com/JakeFAU/swarmcrawl/internal/redisstore"
	"github.com/JakeFAU/swarmcrawl/internal/spiders"
	gcsstorage "github.com/JakeFAU/swarmcrawl/internal/storage/gcs"
	localstorage "github.com/JakeFAU/swarmcrawl/internal/storage/local"
	"github.com/JakeFAU/swarmcrawl/internal/telemetry"
	"github.com/JakeFAU/swarmcrawl/internal/transport"
	collytransport "github.com/JakeFAU/swarmcrawl/internal/transport/colly"
	"github.com/JakeFAU/swarmcrawl/internal/transport/headless"
	"github.com/JakeFAU/swarmcrawl/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the process's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	workerID string

	redis       goredis.UniversalClient
	keys        redisstore.Keys
	tasks       crawler.TaskQueue
	records     crawler.RecordQueue
	deadLetters deadletter.Store
	coordinator *cluster.Coordinator
	worker      *worker.Worker
	apiServer   *api.Server

	closers        []namedCloser
	tracerShutdown func(context.Context) error
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Build creates the application's dependencies. On error everything opened so far is closed.
func Build(ctx context.Context, cfg config.Config, version string) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{cfg: cfg, logger: logger, keys: redisstore.NewKeys(cfg.Redis.KeyPrefix)}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	a.workerID, err = resolveWorkerID(cfg.Worker.ID)
	if err != nil {
		return nil, err
	}
	a.logger = logger.With(zap.String("worker_id", a.workerID), zap.String("spider", cfg.Worker.Spider))
	a.logger.Info("building application dependencies", zap.String("mode", cfg.Mode))

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     version,
			WorkerID:    a.workerID,
			ProjectID:   cfg.Telemetry.ProjectID,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	set, err := spiders.Lookup(cfg.Worker.Spider, cfg.Spider)
	if err != nil {
		return nil, err
	}
	if err := a.setupStores(ctx); err != nil {
		return nil, err
	}
	disp, err := a.setupDispatcher(set)
	if err != nil {
		return nil, err
	}
	rec, err := a.setupRecorder(ctx)
	if err != nil {
		return nil, err
	}
	a.worker, err = worker.New(worker.Config{ReplayOnStart: cfg.DeadLetter.ReplayOnStart}, worker.Deps{
		Spider:      set.Main,
		Dispatcher:  disp,
		Recorder:    rec,
		Tasks:       a.tasks,
		Records:     a.records,
		DeadLetters: a.deadLetters,
		Coordinator: a.coordinator,
	}, a.logger.Named("worker"))
	if err != nil {
		return nil, err
	}

	deps := api.Deps{
		Stats:       disp.Stats,
		Tasks:       a.tasks,
		Records:     a.records,
		DeadLetters: a.deadLetters,
	}
	if a.coordinator != nil {
		deps.Cluster = a.coordinator
	}
	if a.redis != nil {
		deps.Ready = func(ctx context.Context) error { return redisstore.Ping(ctx, a.redis) }
	}
	a.apiServer = api.NewServer(deps, cfg.Auth, a.logger.Named("api"))
	return a, nil
}

func resolveWorkerID(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	host, _ := os.Hostname()
	id, err := uuid.New().WorkerID(host)
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	return id, nil
}

// setupStores opens the queues, dead-letter store and, in distributed mode, the coordinator.
func (a *App) setupStores(ctx context.Context) error {
	spider := a.cfg.Worker.Spider
	if !a.cfg.Distributed() {
		a.tasks = memqueue.NewTaskQueue(a.cfg.Ordering())
		a.records = memqueue.NewRecordQueue()
		a.deadLetters = deadletter.NewMemory()
		a.logger.Info("using in-memory queues")
		return nil
	}

	client, err := redisstore.Connect(ctx, redisstore.Options{
		Addrs:       a.cfg.Redis.Addrs,
		Username:    a.cfg.Redis.Username,
		Password:    a.cfg.Redis.Password,
		DB:          a.cfg.Redis.DB,
		DialTimeout: a.cfg.Redis.DialTimeout,
		PoolSize:    a.cfg.Redis.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, namedCloser{"redis", func(context.Context) error { return client.Close() }})
	a.tasks = redisqueue.NewTaskQueue(client, a.keys.Request(), a.cfg.Ordering(), spider)
	a.records = redisqueue.NewRecordQueue(client, a.keys.Item(), spider)
	a.deadLetters = deadletter.NewRedis(client, a.keys)
	a.coordinator = cluster.New(client, a.keys, lock.NewRedis(client, a.keys.LockPrefix()), system.New(), cluster.Config{
		WorkerID:       a.workerID,
		Interval:       a.cfg.Cluster.HeartbeatInterval,
		Margin:         a.cfg.Cluster.Margin,
		LockHold:       a.cfg.Cluster.LockHold,
		LockWait:       a.cfg.Cluster.LockWait,
		DrainTimeout:   a.cfg.Cluster.DrainTimeout,
		PersistFilters: a.cfg.Filter.Persistent,
	}, a.logger.Named("cluster"))
	a.logger.Info("using redis queues",
		zap.Strings("addrs", a.cfg.Redis.Addrs),
		zap.String("key_prefix", a.cfg.Redis.KeyPrefix),
	)
	return nil
}

// newFilter builds the dedup filter stored under key, wrapped in the strict lock when configured.
func (a *App) newFilter(key, lockName string) (crawler.Filter, error) {
	var inner crawler.Filter
	var locker lock.Locker = lock.NewLocal()
	switch a.cfg.Filter.Kind {
	case "bloom":
		hash, err := filter.HashByName(a.cfg.Filter.BloomHash)
		if err != nil {
			return nil, err
		}
		params := filter.Bloom{Bits: a.cfg.Filter.BloomBits, Hash: hash}
		if a.redis != nil {
			inner, err = redisfilter.NewBloom(a.redis, key, params)
		} else {
			inner, err = memfilter.NewBloom(params)
		}
		if err != nil {
			return nil, fmt.Errorf("bloom filter init failed: %w", err)
		}
	default:
		if a.redis != nil {
			inner = redisfilter.NewSet(a.redis, key)
		} else {
			inner = memfilter.NewSet()
		}
	}
	if !a.cfg.Filter.Strict {
		return inner, nil
	}
	if a.redis != nil {
		locker = lock.NewRedis(a.redis, a.keys.LockPrefix())
	}
	return filter.NewStrict(inner, locker, lockName, a.cfg.Filter.LockWait, a.cfg.Cluster.LockHold, a.logger.Named("filter")), nil
}

func (a *App) setupTransport() (crawler.Transport, error) {
	httpTransport := collytransport.New(collytransport.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.HTTP.Timeout,
	}, a.logger.Named("colly"))
	router := &transport.Router{HTTP: httpTransport, Logger: a.logger.Named("transport")}
	if !a.cfg.Headless.Enabled {
		return router, nil
	}
	renderer, err := headless.New(headless.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("headless renderer init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{"headless", func(context.Context) error {
		renderer.Close()
		return nil
	}})
	router.Renderer = renderer
	if a.cfg.Headless.Promote {
		router.Detector = transport.NewDetector(a.cfg.Headless.PromoteThreshold)
	}
	a.logger.Info("headless renderer enabled",
		zap.Int("max_parallel", a.cfg.Headless.MaxParallel),
		zap.Bool("promote", a.cfg.Headless.Promote),
	)
	return router, nil
}

func (a *App) setupDispatcher(set spiders.Set) (*dispatcher.Controller, error) {
	spider := set.Main.Name()
	hasher := sha256.New()
	clock := system.New()

	taskFilter, err := a.newFilter(a.keys.FilterRequest(), "filter:request")
	if err != nil {
		return nil, err
	}
	send, err := a.setupTransport()
	if err != nil {
		return nil, err
	}

	stats := middleware.NewStats(a.logger.Named("stats"))
	logs := middleware.NewLogging(a.logger.Named("tasks"))
	observers := []crawler.TaskObserver{
		middleware.NewCheck(a.cfg.Dispatch.AllowedDomains, a.cfg.Dispatch.BlockedDomains),
		middleware.NewFilter(taskFilter, hasher, a.logger.Named("filter")),
		middleware.NewRateLimit(middleware.RateLimitConfig{
			DefaultRPS:   a.cfg.Dispatch.RateLimitRPS,
			DefaultBurst: a.cfg.Dispatch.RateLimitBurst,
		}),
		stats,
		middleware.NewRecycle(spider, a.deadLetters, clock, a.logger.Named("recycle")),
		logs,
	}

	retry := crawler.NewExponentialRetryPolicy(a.cfg.Dispatch.MaxRetries, a.cfg.Dispatch.BackoffInitial, a.cfg.Dispatch.BackoffMax)
	nested := make(map[string]dispatcher.NestedSpider, len(set.Nested))
	for _, ns := range set.Nested {
		nested[ns.Name()] = dispatcher.NestedSpider{
			Spider:    ns,
			Observers: []crawler.TaskObserver{logs},
		}
	}

	deps := dispatcher.Deps{
		Queue:     a.tasks,
		Records:   a.records,
		Transport: send,
		Registry:  crawler.RegistryFor(set.Main),
		Retry:     retry,
		Observers: observers,
		Lifecycle: []crawler.LifecycleObserver{stats, logs},
		Nested:    nested,
		IDs:       uuid.New(),
	}
	if coord := a.coordinator; coord != nil {
		deps.Stop = func(context.Context) bool { return coord.StopObserved() }
	}
	return dispatcher.New(dispatcher.Config{
		Spider:        spider,
		Threads:       a.cfg.Worker.Threads,
		PollTimeout:   a.cfg.Queue.PollTimeout,
		Ordering:      a.cfg.Ordering(),
		PriorityFloor: a.cfg.Queue.PriorityFloor,
		StopOnError:   a.cfg.Dispatch.StopOnError,
		NestedTimeout: a.cfg.Dispatch.NestedTimeout,
	}, deps, a.logger.Named("dispatcher"))
}

func (a *App) setupRecorder(ctx context.Context) (*recorder.Controller, error) {
	pipe, err := a.setupPipelines(ctx)
	if err != nil {
		return nil, err
	}
	retry := crawler.NewExponentialRetryPolicy(a.cfg.Record.MaxRetries, a.cfg.Record.BackoffInitial, a.cfg.Record.BackoffMax)
	var observers []crawler.RecordObserver
	if a.cfg.Filter.Records {
		recordFilter, err := a.newFilter(a.keys.FilterItem(), "filter:item")
		if err != nil {
			return nil, err
		}
		observers = append(observers, pipeline.NewDedup(recordFilter, sha256.New(), a.logger.Named("dedup")))
	}
	observers = append(observers, pipeline.NewDeadLetter(
		a.cfg.Worker.Spider, a.deadLetters, system.New(), retry.Attempts(), a.logger.Named("deadletter"),
	))
	return recorder.New(recorder.Config{
		BufferMax:   a.cfg.Record.BufferMax,
		PollTimeout: a.cfg.Queue.PollTimeout,
		Retry:       retry,
	}, a.records, pipe, observers, nil, a.logger.Named("recorder")), nil
}

// setupPipelines opens every configured sink. Pipelines connect eagerly so a bad DSN or
// bucket fails startup rather than the first flush.
func (a *App) setupPipelines(ctx context.Context) (crawler.Pipeline, error) {
	spider := a.cfg.Worker.Spider
	clock := system.New()
	ids := uuid.New()
	pipes := make([]crawler.Pipeline, 0, len(a.cfg.Pipeline.Kinds))
	track := func(p crawler.Pipeline) { pipes = append(pipes, p) }
	// The recorder owns the pipelines once built; only a failed build closes them here.
	ok := false
	defer func() {
		if ok {
			return
		}
		for _, p := range pipes {
			if err := p.Close(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn("close pipeline", zap.Error(err))
			}
		}
	}()
	for _, kind := range a.cfg.Pipeline.Kinds {
		switch kind {
		case config.PipelineMemory:
			track(pipeline.NewMemory())
		case config.PipelinePostgres:
			pg := a.cfg.Pipeline.Postgres
			p, err := pgpipeline.Dial(ctx, spider, pgpipeline.Config{
				DSN:             pg.DSN,
				Table:           pg.Table,
				CreateTable:     pg.CreateTable,
				MaxConns:        pg.MaxConns,
				MinConns:        pg.MinConns,
				MaxConnLifetime: pg.MaxConnLifetime,
			})
			if err != nil {
				return nil, fmt.Errorf("postgres pipeline init failed: %w", err)
			}
			track(p)
		case config.PipelineGCS:
			store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Pipeline.GCS.Bucket})
			if err != nil {
				return nil, fmt.Errorf("gcs pipeline init failed: %w", err)
			}
			p, err := pipeline.NewBlob(pipeline.BlobConfig{Spider: spider, Prefix: a.cfg.Pipeline.GCS.Prefix}, store, clock, ids)
			if err != nil {
				_ = store.Close()
				return nil, err
			}
			track(p)
		case config.PipelineFile:
			store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Pipeline.File.BaseDir})
			if err != nil {
				return nil, fmt.Errorf("file pipeline init failed: %w", err)
			}
			p, err := pipeline.NewBlob(pipeline.BlobConfig{Spider: spider, Prefix: a.cfg.Pipeline.File.Prefix}, store, clock, ids)
			if err != nil {
				return nil, err
			}
			track(p)
		case config.PipelinePubSub:
			pub, err := pubsubpublisher.Dial(ctx, pubsubpublisher.Config{
				ProjectID: a.cfg.Pipeline.PubSub.ProjectID,
				Topic:     a.cfg.Pipeline.PubSub.Topic,
			})
			if err != nil {
				return nil, fmt.Errorf("pubsub pipeline init failed: %w", err)
			}
			p, err := pipeline.NewPublish(spider, pub)
			if err != nil {
				_ = pub.Close()
				return nil, err
			}
			track(p)
		default:
			return nil, fmt.Errorf("unknown pipeline kind %q", kind)
		}
		a.logger.Info("pipeline enabled", zap.String("kind", kind))
	}
	ok = true
	return pipeline.NewFanout(pipes...), nil
}

// Worker exposes the crawl runtime.
func (a *App) Worker() *worker.Worker {
	return a.worker
}

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the admin API and runs the crawl until it finishes or a signal arrives.
func (a *App) Run(ctx context.Context) (crawler.StatsSnapshot, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	a.logger.Info("crawl started")
	stats, runErr := a.worker.Run(ctx)
	a.logger.Info("crawl stopped",
		zap.Int64("total", stats.Total),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
		zap.Error(runErr),
	)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	return stats, errors.Join(runErr, a.Close(shutdownCtx))
}

// Close releases connections and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// Reverse order: pipelines and renderers before the redis client they may depend on.
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
