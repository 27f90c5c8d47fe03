// Package config loads and validates swarmcrawl configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Run modes.
const (
	ModeLocal       = "local"
	ModeDistributed = "distributed"
)

// Pipeline kinds.
const (
	PipelineMemory   = "memory"
	PipelinePostgres = "postgres"
	PipelineGCS      = "gcs"
	PipelineFile     = "file"
	PipelinePubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Mode       string           `mapstructure:"mode"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Spider     SpiderConfig     `mapstructure:"spider"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Record     RecordConfig     `mapstructure:"record"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// WorkerConfig identifies the spider this process runs.
type WorkerConfig struct {
	Spider  string `mapstructure:"spider"`
	ID      string `mapstructure:"id"`
	Threads int    `mapstructure:"threads"`
}

// SpiderConfig parameterizes the selected spider.
type SpiderConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Login         bool   `mapstructure:"login"`
	FollowAuthors bool   `mapstructure:"follow_authors"`
}

// RedisConfig locates the shared store. KeyPrefix namespaces one crawl.
type RedisConfig struct {
	Addrs       []string      `mapstructure:"addrs"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

// QueueConfig selects the task ordering.
type QueueConfig struct {
	Ordering      string        `mapstructure:"ordering"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	PriorityFloor int           `mapstructure:"priority_floor"`
}

// FilterConfig selects the dedup filter.
type FilterConfig struct {
	Kind       string        `mapstructure:"kind"`
	BloomBits  uint          `mapstructure:"bloom_bits"`
	BloomHash  string        `mapstructure:"bloom_hash"`
	Strict     bool          `mapstructure:"strict"`
	LockWait   time.Duration `mapstructure:"lock_wait"`
	Persistent bool          `mapstructure:"persistent"`
	Records    bool          `mapstructure:"records"`
}

// DispatchConfig governs the dispatch controller and its task middlewares.
type DispatchConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	StopOnError    bool          `mapstructure:"stop_on_error"`
	NestedTimeout  time.Duration `mapstructure:"nested_timeout"`
	AllowedDomains []string      `mapstructure:"allowed_domains"`
	BlockedDomains []string      `mapstructure:"blocked_domains"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// RecordConfig governs the record controller.
type RecordConfig struct {
	BufferMax      int           `mapstructure:"buffer_max"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// ClusterConfig tunes heartbeats and locks.
type ClusterConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Margin            time.Duration `mapstructure:"margin"`
	LockHold          time.Duration `mapstructure:"lock_hold"`
	LockWait          time.Duration `mapstructure:"lock_wait"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
}

// HTTPConfig configures the colly transport.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxParallel      int           `mapstructure:"max_parallel"`
	NavTimeout       time.Duration `mapstructure:"nav_timeout"`
	Promote          bool          `mapstructure:"promote"`
	PromoteThreshold int           `mapstructure:"promote_threshold"`
}

// PipelineConfig lists the record sinks to fan out to.
type PipelineConfig struct {
	Kinds    []string       `mapstructure:"kinds"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	File     FileConfig     `mapstructure:"file"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// PostgresConfig configures the COPY pipeline.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	CreateTable     bool          `mapstructure:"create_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// GCSConfig configures the bucket pipeline.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// FileConfig configures the local JSON-lines pipeline.
type FileConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the topic records are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DeadLetterConfig controls dead-letter replay.
type DeadLetterConfig struct {
	ReplayOnStart bool `mapstructure:"replay_on_start"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls tracing. A project ID enables the Cloud Trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load builds a Config from disk and the SWARMCRAWL_* environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWARMCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeLocal)
	v.SetDefault("worker.spider", "quotes")
	v.SetDefault("worker.threads", 4)
	v.SetDefault("spider.base_url", "https://quotes.toscrape.com")
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.key_prefix", "swarmcrawl")
	v.SetDefault("queue.ordering", string(crawler.OrderPriority))
	v.SetDefault("queue.poll_timeout", "1s")
	v.SetDefault("queue.priority_floor", -10)
	v.SetDefault("filter.kind", "set")
	v.SetDefault("filter.bloom_bits", 24)
	v.SetDefault("filter.bloom_hash", "rolling")
	v.SetDefault("filter.lock_wait", "1s")
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.backoff_initial", "250ms")
	v.SetDefault("dispatch.backoff_max", "5s")
	v.SetDefault("dispatch.nested_timeout", "30s")
	v.SetDefault("dispatch.rate_limit_rps", 2)
	v.SetDefault("dispatch.rate_limit_burst", 1)
	v.SetDefault("record.buffer_max", 100)
	v.SetDefault("record.max_retries", 3)
	v.SetDefault("record.backoff_initial", "500ms")
	v.SetDefault("record.backoff_max", "10s")
	v.SetDefault("cluster.heartbeat_interval", "4s")
	v.SetDefault("cluster.margin", "1s")
	v.SetDefault("cluster.lock_hold", "10s")
	v.SetDefault("cluster.lock_wait", "1s")
	v.SetDefault("http.user_agent", "swarmcrawl/0.1")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.promote_threshold", 2048)
	v.SetDefault("pipeline.kinds", []string{PipelineMemory})
	v.SetDefault("pipeline.postgres.table", "crawl_records")
	v.SetDefault("pipeline.file.base_dir", "data/records")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "swarmcrawl")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Mode != ModeLocal && c.Mode != ModeDistributed {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeLocal, ModeDistributed, c.Mode)
	}
	if c.Worker.Spider == "" {
		return errors.New("worker.spider is required")
	}
	if c.Worker.Threads <= 0 {
		return errors.New("worker.threads must be > 0")
	}
	if c.Mode == ModeDistributed && len(c.Redis.Addrs) == 0 {
		return errors.New("redis.addrs is required in distributed mode")
	}
	switch crawler.Ordering(c.Queue.Ordering) {
	case crawler.OrderFIFO, crawler.OrderLIFO, crawler.OrderPriority:
	default:
		return fmt.Errorf("queue.ordering %q is not fifo, lifo or priority", c.Queue.Ordering)
	}
	if c.Filter.Kind != "set" && c.Filter.Kind != "bloom" {
		return fmt.Errorf("filter.kind must be set or bloom, got %q", c.Filter.Kind)
	}
	if c.Dispatch.MaxRetries < 0 || c.Record.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if c.Record.BufferMax < 0 {
		return errors.New("record.buffer_max must be >= 0")
	}
	if c.Cluster.HeartbeatInterval <= 0 {
		return errors.New("cluster.heartbeat_interval must be > 0")
	}
	if c.Cluster.LockHold <= 0 {
		return errors.New("cluster.lock_hold must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	return nil
}

func (p PipelineConfig) validate() error {
	if len(p.Kinds) == 0 {
		return errors.New("pipeline.kinds must not be empty")
	}
	known := []string{PipelineMemory, PipelinePostgres, PipelineGCS, PipelineFile, PipelinePubSub}
	for _, kind := range p.Kinds {
		if !slices.Contains(known, kind) {
			return fmt.Errorf("unknown pipeline kind %q", kind)
		}
	}
	switch {
	case slices.Contains(p.Kinds, PipelinePostgres) && p.Postgres.DSN == "":
		return errors.New("pipeline.postgres.dsn is required")
	case slices.Contains(p.Kinds, PipelineGCS) && p.GCS.Bucket == "":
		return errors.New("pipeline.gcs.bucket is required")
	case slices.Contains(p.Kinds, PipelineFile) && p.File.BaseDir == "":
		return errors.New("pipeline.file.base_dir is required")
	case slices.Contains(p.Kinds, PipelinePubSub) && p.PubSub.Topic == "":
		return errors.New("pipeline.pubsub.topic is required")
	}
	return nil
}

// Ordering returns the parsed task ordering.
func (c Config) Ordering() crawler.Ordering {
	return crawler.ParseOrdering(c.Queue.Ordering)
}

// Distributed reports whether the shared store and coordinator are used.
func (c Config) Distributed() bool {
	return c.Mode == ModeDistributed
}
