package dispatcher

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/queue/memory"
)

func loginSpider() *fakeSpider {
	return &fakeSpider{
		name:  "login",
		seeds: []*crawler.Task{{Target: crawler.Target{URL: "/login"}, Callback: "form"}},
		handlers: map[string]crawler.Handler{
			"form": func(context.Context, *crawler.Task, *crawler.Response) iter.Seq[crawler.Output] {
				return crawler.Yield(
					crawler.NewTask(&crawler.Task{
						Target:   crawler.Target{Method: "POST", URL: "/login", Data: map[string]string{"user": "u"}},
						Callback: "done",
					}),
					crawler.NewRecord(&crawler.Record{Kind: "ignored"}),
				)
			},
			"done": func(context.Context, *crawler.Task, *crawler.Response) iter.Seq[crawler.Output] {
				return crawler.Yield()
			},
		},
	}
}

func TestNestedRunMergesSessionAndReenqueuesParent(t *testing.T) {
	t.Parallel()

	transport := &methodTransport{fakeTransport: newFakeTransport()}
	transport.ok("https://quotes.test/login", &crawler.Response{
		URL:     "https://quotes.test/login",
		Cookies: map[string]string{"csrf": "c1"},
	})
	transport.post = &crawler.Response{
		URL:     "https://quotes.test/login",
		Cookies: map[string]string{"session": "s1"},
	}
	transport.ok("https://quotes.test/secret", &crawler.Response{URL: "https://quotes.test/secret"})

	reg := crawler.NewRegistry()
	reg.Register("parse", func(_ context.Context, task *crawler.Task, _ *crawler.Response) iter.Seq[crawler.Output] {
		return crawler.Yield(crawler.NewRecord(&crawler.Record{
			Kind: "secret",
			Data: map[string]any{"session": task.Context.Cookies["session"]},
		}))
	})

	h := newNestedHarness(t, transport, reg, NestedSpider{Spider: loginSpider()})
	require.NoError(t, h.ctrl.Enqueue(context.Background(), &crawler.Task{
		ID:       "parent",
		Target:   crawler.Target{URL: "https://quotes.test/secret"},
		Priority: 3,
		Callback: "parse",
		Context:  crawler.TaskContext{Meta: map[string]any{"origin": "seed"}},
		Nested:   &crawler.NestedSpec{Spider: "login"},
	}))
	require.NoError(t, h.ctrl.RunUntilDrained(context.Background()))

	require.Equal(t, 1, transport.calls("https://quotes.test/secret"))
	var parentFetch *crawler.Task
	for _, task := range transport.tasks() {
		if task.ID == "parent" {
			parentFetch = task
		}
	}
	require.NotNil(t, parentFetch)
	require.Nil(t, parentFetch.Nested)
	require.Equal(t, 2, parentFetch.Priority)
	require.Equal(t, "s1", parentFetch.Context.Cookies["session"])
	require.Equal(t, "c1", parentFetch.Context.Cookies["csrf"])
	require.Equal(t, "seed", parentFetch.Context.Meta["origin"])

	rec, ok, err := h.records.Get(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret", rec.Kind)
	require.Equal(t, "s1", rec.Data["session"])
	empty, err := h.records.IsEmpty(context.Background())
	require.NoError(t, err)
	require.True(t, empty, "records yielded inside the nested run are ignored")
	// Two inner sends plus the parent's single send; the parent enters twice.
	require.Equal(t, crawler.StatsSnapshot{Total: 4, Succeeded: 3}, h.ctrl.Stats())
}

func TestNestedRunFailureFailsParentWithoutRetry(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.fail("https://quotes.test/login", errors.New("login down"))
	obs := &recordingObserver{}
	h := newNestedHarness(t, transport, noopRegistry(), NestedSpider{Spider: loginSpider()}, obs)

	require.NoError(t, h.ctrl.Enqueue(context.Background(), &crawler.Task{
		ID:       "parent",
		Target:   crawler.Target{URL: "https://quotes.test/secret"},
		Callback: "parse",
		Nested:   &crawler.NestedSpec{Spider: "login"},
	}))
	require.NoError(t, h.ctrl.RunUntilDrained(context.Background()))

	require.Equal(t, 4, transport.calls("https://quotes.test/login"), "inner task honors its own retry bound")
	require.Zero(t, transport.calls("https://quotes.test/secret"))
	failed := obs.failedTasks()
	require.Len(t, failed, 1)
	require.Equal(t, "parent", failed[0].ID)
	require.ErrorIs(t, obs.lastErr(), ErrNestedFailed)
}

func TestNestedRunUnknownSpiderFails(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	h := newNestedHarness(t, newFakeTransport(), noopRegistry(), NestedSpider{Spider: loginSpider()}, obs)

	require.NoError(t, h.ctrl.Enqueue(context.Background(), &crawler.Task{
		Target: crawler.Target{URL: "https://quotes.test/secret"},
		Nested: &crawler.NestedSpec{Spider: "nope"},
	}))
	require.NoError(t, h.ctrl.RunUntilDrained(context.Background()))
	require.Len(t, obs.failedTasks(), 1)
}

func TestNestedRunTimesOut(t *testing.T) {
	t.Parallel()

	transport := &slowTransport{delay: time.Second}
	obs := &recordingObserver{}
	h := newNestedHarness(t, transport, noopRegistry(), NestedSpider{Spider: loginSpider()}, obs)

	require.NoError(t, h.ctrl.Enqueue(context.Background(), &crawler.Task{
		Target: crawler.Target{URL: "https://quotes.test/secret"},
		Nested: &crawler.NestedSpec{Spider: "login", Timeout: 50 * time.Millisecond},
	}))
	require.NoError(t, h.ctrl.RunUntilDrained(context.Background()))
	require.Len(t, obs.failedTasks(), 1)
	require.ErrorContains(t, obs.lastErr(), "timed out")
}

func newNestedHarness(
	t *testing.T,
	transport crawler.Transport,
	reg *crawler.Registry,
	ns NestedSpider,
	observers ...crawler.TaskObserver,
) *harness {
	t.Helper()
	queue := memory.NewTaskQueue(crawler.OrderPriority)
	records := memory.NewRecordQueue()
	ctrl, err := New(Config{
		Spider:        "quotes",
		PollTimeout:   20 * time.Millisecond,
		Ordering:      crawler.OrderPriority,
		PriorityFloor: -5,
	}, Deps{
		Queue:     queue,
		Records:   records,
		Transport: transport,
		Registry:  reg,
		Retry:     crawler.NewExponentialRetryPolicy(3, 0, 0),
		Observers: observers,
		Nested:    map[string]NestedSpider{ns.Spider.Name(): ns},
	}, zap.NewNop())
	require.NoError(t, err)
	return &harness{ctrl: ctrl, queue: queue, records: records}
}

// methodTransport answers POSTs with a fixed response.
type methodTransport struct {
	*fakeTransport
	post *crawler.Response
}

func (m *methodTransport) Send(ctx context.Context, task *crawler.Task) (*crawler.Response, error) {
	if task.Target.HTTPMethod() == "POST" {
		return m.post, nil
	}
	return m.fakeTransport.Send(ctx, task)
}

type slowTransport struct {
	delay time.Duration
}

func (s *slowTransport) Send(ctx context.Context, _ *crawler.Task) (*crawler.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return &crawler.Response{}, nil
	}
}
