package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/swarmcrawl/internal/config"
	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<div class="quote"><span class="text">one</span><small class="author">A</small></div>
<li class="next"><a href="/page/2/">Next</a></li>`)
	})
	mux.HandleFunc("/page/2/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<div class="quote"><span class="text">two</span><small class="author">B</small></div>
<li class="next"><a href="/">Back to start</a></li>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Spider.BaseURL = baseURL
	cfg.Worker.ID = "test-worker"
	cfg.Worker.Threads = 2
	cfg.Queue.PollTimeout = 20 * time.Millisecond
	cfg.Dispatch.RateLimitRPS = 0
	cfg.Dispatch.MaxRetries = 0
	cfg.HTTP.RespectRobots = false
	cfg.Server.Enabled = false
	cfg.Logging.Development = false
	return cfg
}

func TestBuildAndRunLocal(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	cfg := testConfig(t, srv.URL)
	cfg.Pipeline.Kinds = []string{config.PipelineMemory, config.PipelineFile}
	cfg.Pipeline.File.BaseDir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	app, err := Build(ctx, cfg, "test")
	require.NoError(t, err)

	stats, err := app.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StatsSnapshot{Total: 3, Succeeded: 2}, stats, "the link back to / is dropped as a repeat")

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got crawler.StatsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, stats, got)
}

func TestBuildAndRunDistributed(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	srv := newSite(t)
	cfg := testConfig(t, srv.URL)
	cfg.Mode = config.ModeDistributed
	cfg.Redis.Addrs = []string{mr.Addr()}
	cfg.Redis.KeyPrefix = "it"
	cfg.Cluster.HeartbeatInterval = 100 * time.Millisecond
	cfg.Cluster.Margin = 50 * time.Millisecond
	cfg.Cluster.DrainTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	app, err := Build(ctx, cfg, "test")
	require.NoError(t, err)

	stats, err := app.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, ctx.Err())
	require.Equal(t, crawler.StatsSnapshot{Total: 3, Succeeded: 2}, stats)
	require.False(t, mr.Exists("it:master"), "leader clears coordination keys on exit")
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Mode = config.ModeDistributed
	cfg.Redis.Addrs = []string{"127.0.0.1:1"}
	cfg.Redis.DialTimeout = 100 * time.Millisecond

	_, err := Build(context.Background(), cfg, "test")
	require.ErrorContains(t, err, "redis init failed")
}

func TestBuildRejectsUnknownSpider(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Worker.Spider = "books"
	_, err := Build(context.Background(), cfg, "test")
	require.ErrorContains(t, err, "unknown spider")
}
