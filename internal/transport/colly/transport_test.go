package collytransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		body, _ := io.ReadAll(r.Body)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1"})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method":  r.Method,
			"query":   r.URL.Query().Get("page"),
			"user":    r.PostForm.Get("user"),
			"cookie":  r.Header.Get("Cookie"),
			"trace":   r.Header.Get("X-Trace"),
			"ctype":   r.Header.Get("Content-Type"),
			"rawBody": string(body),
		})
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *crawler.Response) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	return out
}

func TestSendGETWithParamsHeadersAndCookies(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	tr := New(Config{Timeout: time.Second}, zap.NewNop())

	resp, err := tr.Send(context.Background(), &crawler.Task{
		Target: crawler.Target{
			URL:     srv.URL + "/echo",
			Params:  map[string][]string{"page": {"2"}},
			Headers: map[string]string{"X-Trace": "t1"},
		},
		Context: crawler.TaskContext{Cookies: map[string]string{"csrf": "c1"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "s1", resp.Cookies["session"])

	got := decode(t, resp)
	require.Equal(t, http.MethodGet, got["method"])
	require.Equal(t, "2", got["query"])
	require.Equal(t, "t1", got["trace"])
	require.Equal(t, "csrf=c1", got["cookie"])
}

func TestSendPOSTFormAndJSON(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	tr := New(Config{Timeout: time.Second}, zap.NewNop())

	resp, err := tr.Send(context.Background(), &crawler.Task{
		Target: crawler.Target{Method: "post", URL: srv.URL + "/echo", Data: map[string]string{"user": "u"}},
	})
	require.NoError(t, err)
	got := decode(t, resp)
	require.Equal(t, http.MethodPost, got["method"])
	require.Equal(t, "u", got["user"])

	resp, err = tr.Send(context.Background(), &crawler.Task{
		Target: crawler.Target{Method: http.MethodPost, URL: srv.URL + "/echo", JSON: map[string]int{"n": 1}},
	})
	require.NoError(t, err)
	got = decode(t, resp)
	require.Equal(t, "application/json", got["ctype"])
	require.JSONEq(t, `{"n":1}`, got["rawBody"])
}

func TestSendRevisitsSameURL(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	tr := New(Config{Timeout: time.Second}, zap.NewNop())
	task := &crawler.Task{Target: crawler.Target{URL: srv.URL + "/echo"}}
	for range 2 {
		_, err := tr.Send(context.Background(), task)
		require.NoError(t, err)
	}
}

func TestSendErrorStatus(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	tr := New(Config{Timeout: time.Second}, zap.NewNop())
	_, err := tr.Send(context.Background(), &crawler.Task{Target: crawler.Target{URL: srv.URL + "/broken"}})
	require.ErrorContains(t, err, "status 500")
}

func TestSendCanceledContext(t *testing.T) {
	t.Parallel()

	tr := New(Config{Timeout: time.Second}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Send(ctx, &crawler.Task{Target: crawler.Target{URL: "http://127.0.0.1:1/"}})
	require.Error(t, err)
}

func TestRobotsTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{err: context.DeadlineExceeded}
	tr := &robotsTransport{base: base, logger: zap.NewNop(), backoff: []time.Duration{0, 0}}

	req := httptest.NewRequest(http.MethodGet, "https://quotes.test/robots.txt", nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Allow: /")
	require.Equal(t, 3, base.count())
}

func TestRobotsTransportPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{err: errors.New("connection refused")}
	tr := &robotsTransport{base: base, logger: zap.NewNop()}

	_, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://quotes.test/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, base.count())

	_, err = tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://quotes.test/page", nil))
	require.Error(t, err)
	require.Equal(t, 2, base.count())
}

type stubRoundTripper struct {
	err   error
	mu    sync.Mutex
	calls int
}

func (s *stubRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil, s.err
}

func (s *stubRoundTripper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
