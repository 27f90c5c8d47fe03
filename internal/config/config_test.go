package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ModeLocal, cfg.Mode)
	require.False(t, cfg.Distributed())
	require.Equal(t, crawler.OrderPriority, cfg.Ordering())
	require.Equal(t, 4, cfg.Worker.Threads)
	require.Equal(t, 3, cfg.Dispatch.MaxRetries)
	require.Equal(t, 100, cfg.Record.BufferMax)
	require.Equal(t, 4*time.Second, cfg.Cluster.HeartbeatInterval)
	require.Equal(t, []string{PipelineMemory}, cfg.Pipeline.Kinds)
	require.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addrs)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
mode: distributed
worker:
  spider: quotes
  threads: 8
redis:
  addrs: ["redis-a:6379", "redis-b:6379"]
  key_prefix: crawl-7
queue:
  ordering: fifo
  poll_timeout: 250ms
filter:
  kind: bloom
  bloom_bits: 20
  strict: true
dispatch:
  max_retries: 5
  allowed_domains: ["quotes.toscrape.com"]
record:
  buffer_max: 10
pipeline:
  kinds: [postgres, pubsub]
  postgres:
    dsn: postgres://localhost/crawl
  pubsub:
    project_id: proj
    topic: records
deadletter:
  replay_on_start: true
auth:
  enabled: true
  api_key: secret
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Distributed())
	require.Equal(t, 8, cfg.Worker.Threads)
	require.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Redis.Addrs)
	require.Equal(t, "crawl-7", cfg.Redis.KeyPrefix)
	require.Equal(t, crawler.OrderFIFO, cfg.Ordering())
	require.Equal(t, 250*time.Millisecond, cfg.Queue.PollTimeout)
	require.Equal(t, "bloom", cfg.Filter.Kind)
	require.Equal(t, uint(20), cfg.Filter.BloomBits)
	require.True(t, cfg.Filter.Strict)
	require.Equal(t, 5, cfg.Dispatch.MaxRetries)
	require.Equal(t, []string{"quotes.toscrape.com"}, cfg.Dispatch.AllowedDomains)
	require.Equal(t, 10, cfg.Record.BufferMax)
	require.Equal(t, []string{PipelinePostgres, PipelinePubSub}, cfg.Pipeline.Kinds)
	require.Equal(t, "records", cfg.Pipeline.PubSub.Topic)
	require.True(t, cfg.DeadLetter.ReplayOnStart)
	require.False(t, cfg.Logging.Development)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SWARMCRAWL_MODE", "distributed")
	t.Setenv("SWARMCRAWL_WORKER_THREADS", "2")
	t.Setenv("SWARMCRAWL_CLUSTER_HEARTBEAT_INTERVAL", "2s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ModeDistributed, cfg.Mode)
	require.Equal(t, 2, cfg.Worker.Threads)
	require.Equal(t, 2*time.Second, cfg.Cluster.HeartbeatInterval)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "cluster" }, "mode must be"},
		{"no spider", func(c *Config) { c.Worker.Spider = "" }, "worker.spider"},
		{"no threads", func(c *Config) { c.Worker.Threads = 0 }, "worker.threads"},
		{"no redis", func(c *Config) { c.Mode = ModeDistributed; c.Redis.Addrs = nil }, "redis.addrs"},
		{"bad ordering", func(c *Config) { c.Queue.Ordering = "random" }, "queue.ordering"},
		{"bad filter", func(c *Config) { c.Filter.Kind = "cuckoo" }, "filter.kind"},
		{"negative retries", func(c *Config) { c.Dispatch.MaxRetries = -1 }, "max_retries"},
		{"negative buffer", func(c *Config) { c.Record.BufferMax = -1 }, "record.buffer_max"},
		{"no heartbeat", func(c *Config) { c.Cluster.HeartbeatInterval = 0 }, "heartbeat_interval"},
		{"no lock hold", func(c *Config) { c.Cluster.LockHold = 0 }, "cluster.lock_hold"},
		{"headless parallel", func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 }, "headless.max_parallel"},
		{"unknown pipeline", func(c *Config) { c.Pipeline.Kinds = []string{"kafka"} }, "unknown pipeline"},
		{"postgres dsn", func(c *Config) { c.Pipeline.Kinds = []string{PipelinePostgres} }, "pipeline.postgres.dsn"},
		{"gcs bucket", func(c *Config) { c.Pipeline.Kinds = []string{PipelineGCS} }, "pipeline.gcs.bucket"},
		{"pubsub topic", func(c *Config) { c.Pipeline.Kinds = []string{PipelinePubSub} }, "pipeline.pubsub.topic"},
		{"server port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Redis.Addrs = append([]string(nil), base.Redis.Addrs...)
			cfg.Pipeline.Kinds = append([]string(nil), base.Pipeline.Kinds...)
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
