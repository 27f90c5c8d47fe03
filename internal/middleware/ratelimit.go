package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/metrics"
)

// RateLimitConfig holds per-domain token bucket settings.
type RateLimitConfig struct {
	DefaultRPS   float64
	DefaultBurst int
}

// RateLimit delays tasks so each domain stays within its token bucket.
type RateLimit struct {
	crawler.BaseTaskObserver

	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// NewRateLimit creates a RateLimit. A non-positive rate disables limiting.
func NewRateLimit(cfg RateLimitConfig) *RateLimit {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimit{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// TaskIn implements crawler.TaskObserver.
func (l *RateLimit) TaskIn(ctx context.Context, task *crawler.Task) error {
	return l.Wait(ctx, task.Target.URL)
}

// Wait blocks until a token is available for the URL's domain.
func (l *RateLimit) Wait(ctx context.Context, rawURL string) error {
	domain := crawler.Hostname(rawURL)
	if domain == "" {
		domain = "unknown"
	}
	l.mu.Lock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, d)
	}
	return nil
}
