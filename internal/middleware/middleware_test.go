package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/clock/manual"
	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/deadletter"
	"github.com/JakeFAU/swarmcrawl/internal/filter/memory"
	"github.com/JakeFAU/swarmcrawl/internal/hash/sha256"
)

func task(url string) *crawler.Task {
	return &crawler.Task{ID: "t", Target: crawler.Target{URL: url}, Callback: "parse"}
}

func TestCheckAllowedAndBlockedDomains(t *testing.T) {
	t.Parallel()

	c := NewCheck([]string{"*.quotes.test", "example.com"}, []string{"ads.quotes.test"})
	ctx := context.Background()

	require.NoError(t, c.TaskIn(ctx, task("https://quotes.test/page/1")))
	require.NoError(t, c.TaskIn(ctx, task("https://www.quotes.test/")))
	require.NoError(t, c.TaskIn(ctx, task("https://EXAMPLE.com/")))
	require.True(t, crawler.IsDrop(c.TaskIn(ctx, task("https://ads.quotes.test/x"))))
	require.True(t, crawler.IsDrop(c.TaskIn(ctx, task("https://other.test/"))))
	require.True(t, crawler.IsDrop(c.TaskIn(ctx, task("not a url"))))

	open := NewCheck(nil, []string{".blocked.test"})
	require.NoError(t, open.TaskIn(ctx, task("https://anything.test/")))
	require.True(t, crawler.IsDrop(open.TaskIn(ctx, task("https://a.blocked.test/"))))
}

func TestFilterDropsOnlyOptedInRepeats(t *testing.T) {
	t.Parallel()

	f := NewFilter(memory.NewSet(), sha256.New(), zap.NewNop())
	ctx := context.Background()

	first := task("https://quotes.test/page/2")
	first.FilterRepeat = true
	require.NoError(t, f.TaskIn(ctx, first))
	require.False(t, first.FilterRepeat, "a task that passed is not filtered again")
	require.NoError(t, f.TaskIn(ctx, first), "re-entering the same task is allowed")

	dup := task("https://quotes.test/page/2")
	dup.FilterRepeat = true
	require.True(t, crawler.IsDrop(f.TaskIn(ctx, dup)))

	unfiltered := task("https://quotes.test/page/2")
	require.NoError(t, f.TaskIn(ctx, unfiltered))
}

func TestFilterFailsOpen(t *testing.T) {
	t.Parallel()

	f := NewFilter(brokenFilter{}, sha256.New(), nil)
	tk := task("https://quotes.test/")
	tk.FilterRepeat = true
	require.NoError(t, f.TaskIn(context.Background(), tk))
}

func TestRateLimitPerDomain(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(RateLimitConfig{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.TaskIn(ctx, task("https://slow.test/1")))
	start := time.Now()
	require.NoError(t, l.TaskIn(ctx, task("https://fast.test/1")))
	require.Less(t, time.Since(start), 50*time.Millisecond, "domains do not share a bucket")

	start = time.Now()
	require.NoError(t, l.TaskIn(ctx, task("https://slow.test/2")))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestRateLimitHonorsCancel(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(RateLimitConfig{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://x.test"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Wait(ctx, "https://x.test"))
}

func TestStatsCounts(t *testing.T) {
	t.Parallel()

	s := NewStats(zap.NewNop())
	ctx := context.Background()
	_, err := s.TaskClose(ctx, task("https://x.test"), &crawler.Response{StatusCode: 200})
	require.NoError(t, err)
	_, err = s.TaskClose(ctx, task("https://x.test"), &crawler.Response{StatusCode: 200})
	require.NoError(t, err)
	_, err = s.TaskClose(ctx, task("https://x.test"), nil)
	require.NoError(t, err)
	s.TaskFailed(ctx, task("https://x.test"), errors.New("boom"))
	s.SpiderClose(ctx, "quotes")

	snap := s.Snapshot()
	require.Equal(t, map[string]int64{"200": 2, "unknown": 1}, snap.Statuses)
	require.Equal(t, map[string]int64{"parse": 1}, snap.Failures)
}

func TestRecycleDeadLettersFailedTask(t *testing.T) {
	t.Parallel()

	store := deadletter.NewMemory()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecycle("quotes", store, manual.New(at), zap.NewNop())
	tk := task("https://quotes.test/broken")
	tk.Retries = 3

	r.TaskFailed(context.Background(), tk, errors.New("timeout"))

	entries, err := store.List(context.Background(), deadletter.KindRequest, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "quotes", entries[0].Spider)
	require.Equal(t, "timeout", entries[0].Reason)
	require.Equal(t, 4, entries[0].Attempts)
	require.True(t, at.Equal(*entries[0].FailedAt))
	replayed, err := entries[0].Task()
	require.NoError(t, err)
	require.Equal(t, tk.Target.URL, replayed.Target.URL)
}

func TestLoggingNeverBlocksTasks(t *testing.T) {
	t.Parallel()

	l := NewLogging(nil)
	ctx := context.Background()
	require.NoError(t, l.TaskIn(ctx, task("https://x.test")))
	replacement, err := l.TaskClose(ctx, task("https://x.test"), &crawler.Response{StatusCode: 200})
	require.NoError(t, err)
	require.Nil(t, replacement)
	l.TaskFailed(ctx, task("https://x.test"), errors.New("boom"))
	l.SpiderStart(ctx, "quotes")
	l.SpiderError(ctx, "quotes", errors.New("boom"))
	l.SpiderClose(ctx, "quotes")
}

type brokenFilter struct{}

func (brokenFilter) IsRepeat(context.Context, string) (bool, error) {
	return false, errors.New("redis unavailable")
}
