package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/cluster"
	"github.com/JakeFAU/swarmcrawl/internal/config"
	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/deadletter"
	"github.com/JakeFAU/swarmcrawl/internal/metrics"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 1000
	requestTimeout         = 30 * time.Second
)

// ClusterView reports cluster membership. *cluster.Coordinator satisfies it.
type ClusterView interface {
	Snapshot(ctx context.Context) (cluster.View, error)
}

// Deps are the read models behind the handlers. Cluster and DeadLetters may be nil.
type Deps struct {
	Stats       func() crawler.StatsSnapshot
	Tasks       crawler.TaskQueue
	Records     crawler.RecordQueue
	Cluster     ClusterView
	DeadLetters deadletter.Store
	// Ready returns nil once downstream stores answer.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the worker's state.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, auth config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Get("/stats", s.stats)
		r.Get("/queues", s.queues)
		r.Get("/cluster", s.cluster)
		r.Get("/deadletters/{kind}", s.listDeadLetters)
		r.Post("/deadletters/{kind}/replay", s.replayDeadLetters)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	var snap crawler.StatsSnapshot
	if s.deps.Stats != nil {
		snap = s.deps.Stats()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) queues(w http.ResponseWriter, r *http.Request) {
	out := map[string]int{}
	if s.deps.Tasks != nil {
		n, err := s.deps.Tasks.Size(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, fmt.Sprintf("task queue size: %v", err))
			return
		}
		out["tasks"] = n
	}
	if s.deps.Records != nil {
		n, err := s.deps.Records.Size(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, fmt.Sprintf("record queue size: %v", err))
			return
		}
		out["records"] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cluster(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cluster == nil {
		writeError(w, http.StatusNotFound, "worker runs in local mode")
		return
	}
	view, err := s.deps.Cluster.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("cluster snapshot failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "cluster state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.deadLetterKind(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.DeadLetters.List(r.Context(), kind, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	count, err := s.deps.DeadLetters.Count(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if entries == nil {
		entries = []crawler.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "count": count, "entries": entries})
}

func (s *Server) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.deadLetterKind(w, r)
	if !ok {
		return
	}
	res, err := deadletter.Replay(r.Context(), s.deps.DeadLetters, kind, s.deps.Tasks, s.deps.Records, s.logger)
	if err != nil {
		s.logger.Error("dead-letter replay failed", zap.String("kind", string(kind)), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "replayed": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "replayed": res})
}

func (s *Server) deadLetterKind(w http.ResponseWriter, r *http.Request) (deadletter.Kind, bool) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letters are not configured")
		return "", false
	}
	kind, err := deadletter.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return kind, true
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultDeadLetterLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxDeadLetterLimit), nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// metricsMiddleware labels requests by route pattern so path parameters do not explode cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
