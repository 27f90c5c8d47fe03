// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
	OutcomeReplaced  = "replaced"
)

var (
	crawlTasksTotal             *prometheus.CounterVec
	crawlSendDurationSeconds    *prometheus.HistogramVec
	crawlActiveThreads          prometheus.Gauge
	crawlRecordsTotal           *prometheus.CounterVec
	crawlFlushDurationSeconds   prometheus.Histogram
	crawlIsLeader               prometheus.Gauge
	crawlPeerDeathsTotal        prometheus.Counter
	crawlRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_tasks_total",
				Help: "Total number of tasks finished, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlSendDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_send_duration_seconds",
				Help:    "Histogram of transport send latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		crawlActiveThreads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_active_threads",
				Help: "Number of dispatch threads currently executing a task.",
			},
		)

		crawlRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_records_total",
				Help: "Total number of records handled by the record controller, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlFlushDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawl_flush_duration_seconds",
				Help:    "Histogram of pipeline flush latencies.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		crawlIsLeader = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_is_leader",
				Help: "1 when this worker holds the leader token.",
			},
		)

		crawlPeerDeathsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_peer_deaths_total",
				Help: "Total number of peers declared dead by this worker.",
			},
		)

		crawlRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of admin API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of admin API latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveTask counts a finished task.
func ObserveTask(site, outcome string) {
	Init()
	crawlTasksTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveSend records the latency of one transport attempt.
func ObserveSend(site string, duration time.Duration) {
	Init()
	crawlSendDurationSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// IncActiveThreads increments the active threads gauge.
func IncActiveThreads() {
	Init()
	crawlActiveThreads.Inc()
}

// DecActiveThreads decrements the active threads gauge.
func DecActiveThreads() {
	Init()
	crawlActiveThreads.Dec()
}

// ObserveRecords counts n records with the given outcome.
func ObserveRecords(outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlRecordsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveFlush records the latency of a pipeline flush.
func ObserveFlush(duration time.Duration) {
	Init()
	crawlFlushDurationSeconds.Observe(duration.Seconds())
}

// SetLeader flips the leader gauge.
func SetLeader(leader bool) {
	Init()
	if leader {
		crawlIsLeader.Set(1)
		return
	}
	crawlIsLeader.Set(0)
}

// ObservePeerDeath counts a peer purged from the heartbeat table.
func ObservePeerDeath() {
	Init()
	crawlPeerDeathsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
