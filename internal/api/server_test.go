package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/cluster"
	"github.com/JakeFAU/swarmcrawl/internal/config"
	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/deadletter"
	"github.com/JakeFAU/swarmcrawl/internal/queue/memory"
)

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	ready := errors.New("redis down")
	server := NewServer(Deps{Ready: func(context.Context) error { return ready }}, config.AuthConfig{}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "redis down")

	ready = nil
	rec = serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(t).server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_StatsAndQueues(t *testing.T) {
	t.Parallel()

	h := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, h.tasks.Put(ctx, &crawler.Task{ID: "a"}))
	require.NoError(t, h.tasks.Put(ctx, &crawler.Task{ID: "b"}))
	require.NoError(t, h.records.Put(ctx, &crawler.Record{Kind: "quote"}))

	rec := serve(h.server, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats crawler.StatsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, crawler.StatsSnapshot{Total: 7, Succeeded: 5, Failed: 2}, stats)

	rec = serve(h.server, http.MethodGet, "/v1/queues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"tasks":2,"records":1}`, rec.Body.String())
}

func TestServer_ClusterView(t *testing.T) {
	t.Parallel()

	local := NewServer(Deps{}, config.AuthConfig{}, zap.NewNop())
	rec := serve(local, http.MethodGet, "/v1/cluster", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	view := &fakeCluster{view: cluster.View{
		WorkerID: "w1",
		Role:     "leader",
		Leader:   &crawler.LeaderToken{WorkerID: "w1"},
		Suspects: []string{"w3"},
	}}
	distributed := NewServer(Deps{Cluster: view}, config.AuthConfig{}, zap.NewNop())
	rec = serve(distributed, http.MethodGet, "/v1/cluster", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got cluster.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "leader", got.Role)
	require.Equal(t, []string{"w3"}, got.Suspects)

	view.err = errors.New("connection refused")
	rec = serve(distributed, http.MethodGet, "/v1/cluster", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_ListDeadLetters(t *testing.T) {
	t.Parallel()

	h := newTestServer(t)
	for i := range 3 {
		h.addDeadTask(t, fmt.Sprintf("t%d", i))
	}

	rec := serve(h.server, http.MethodGet, "/v1/deadletters/request?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count   int64              `json:"count"`
		Entries []crawler.Envelope `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(3), body.Count)
	require.Len(t, body.Entries, 2)
	require.Equal(t, "timeout", body.Entries[0].Reason)

	rec = serve(h.server, http.MethodGet, "/v1/deadletters/items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"entries":[]`)

	rec = serve(h.server, http.MethodGet, "/v1/deadletters/bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h.server, http.MethodGet, "/v1/deadletters/request?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ReplayDeadLetters(t *testing.T) {
	t.Parallel()

	h := newTestServer(t)
	h.addDeadTask(t, "t1")
	h.addDeadTask(t, "t2")

	rec := serve(h.server, http.MethodPost, "/v1/deadletters/request/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"tasks":2`)

	size, err := h.tasks.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, size)
	n, err := h.dead.Count(context.Background(), deadletter.KindRequest)
	require.NoError(t, err)
	require.Zero(t, n)

	task, ok, err := h.tasks.Get(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, task.Retries)
}

func TestServer_DeadLettersUnconfigured(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{}, config.AuthConfig{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/v1/deadletters/request", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{}, config.AuthConfig{Enabled: true, APIKey: "secret"}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/stats", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/stats?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{}, config.AuthConfig{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(server, http.MethodGet, "/healthz", map[string]string{"X-Request-ID": "abc"})
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Stats: func() crawler.StatsSnapshot { panic("boom") }}, config.AuthConfig{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type testServer struct {
	server  *Server
	tasks   *memory.Queue[*crawler.Task]
	records *memory.Queue[*crawler.Record]
	dead    *deadletter.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	h := &testServer{
		tasks:   memory.NewTaskQueue(crawler.OrderFIFO),
		records: memory.NewRecordQueue(),
		dead:    deadletter.NewMemory(),
	}
	h.server = NewServer(Deps{
		Stats:       func() crawler.StatsSnapshot { return crawler.StatsSnapshot{Total: 7, Succeeded: 5, Failed: 2} },
		Tasks:       h.tasks,
		Records:     h.records,
		DeadLetters: h.dead,
	}, config.AuthConfig{}, zap.NewNop())
	return h
}

func (h *testServer) addDeadTask(t *testing.T, id string) {
	t.Helper()
	env, err := crawler.NewTaskEnvelope("quotes", &crawler.Task{
		ID:      id,
		Target:  crawler.Target{URL: "https://quotes.test/" + id},
		Retries: 3,
	})
	require.NoError(t, err)
	require.NoError(t, h.dead.Add(context.Background(), deadletter.Stamp(env, "timeout", 4, time.Unix(100, 0))))
}

func serve(s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeCluster struct {
	view cluster.View
	err  error
}

func (f *fakeCluster) Snapshot(context.Context) (cluster.View, error) {
	return f.view, f.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
