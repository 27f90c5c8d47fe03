package crawler

import (
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Ordering selects how a TaskQueue releases items.
type Ordering string

// Supported queue orderings.
const (
	OrderFIFO     Ordering = "fifo"
	OrderLIFO     Ordering = "lifo"
	OrderPriority Ordering = "priority"
)

// ParseOrdering maps a config string onto an Ordering, defaulting to priority.
func ParseOrdering(raw string) Ordering {
	switch Ordering(strings.ToLower(strings.TrimSpace(raw))) {
	case OrderFIFO:
		return OrderFIFO
	case OrderLIFO:
		return OrderLIFO
	default:
		return OrderPriority
	}
}

// Target describes what a Task fetches.
type Target struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Params  map[string][]string `json:"params,omitempty"`
	Data    map[string]string   `json:"data,omitempty"`
	JSON    any                 `json:"json,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
	Render  bool                `json:"render,omitempty"`
}

// HTTPMethod returns the upper-cased method, defaulting to GET.
func (t Target) HTTPMethod() string {
	if t.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(t.Method)
}

// TaskContext is the session state carried from a Task to its children.
type TaskContext struct {
	Cookies map[string]string `json:"cookies,omitempty"`
	Meta    map[string]any    `json:"meta,omitempty"`
}

// Merge overlays other onto c. Keys present in other win.
func (c TaskContext) Merge(other TaskContext) TaskContext {
	out := TaskContext{
		Cookies: maps.Clone(c.Cookies),
		Meta:    maps.Clone(c.Meta),
	}
	if len(other.Cookies) > 0 && out.Cookies == nil {
		out.Cookies = make(map[string]string, len(other.Cookies))
	}
	maps.Copy(out.Cookies, other.Cookies)
	if len(other.Meta) > 0 && out.Meta == nil {
		out.Meta = make(map[string]any, len(other.Meta))
	}
	maps.Copy(out.Meta, other.Meta)
	return out
}

// NestedSpec asks the dispatcher to run a bounded sub-crawl before the task continues.
type NestedSpec struct {
	Spider  string        `json:"spider"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Task is a unit of fetch work.
type Task struct {
	ID           string      `json:"id"`
	Target       Target      `json:"target"`
	Priority     int         `json:"priority"`
	Retries      int         `json:"retries"`
	Callback     string      `json:"callback"`
	Context      TaskContext `json:"context"`
	FilterRepeat bool        `json:"filter_repeat,omitempty"`
	Nested       *NestedSpec `json:"nested,omitempty"`
	Lineage      []string    `json:"lineage,omitempty"`
	Depth        int         `json:"depth"`
}

// Clone returns a deep-enough copy for re-enqueueing without sharing maps.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Target.Params = maps.Clone(t.Target.Params)
	cp.Target.Data = maps.Clone(t.Target.Data)
	cp.Target.Headers = maps.Clone(t.Target.Headers)
	cp.Context = TaskContext{}.Merge(t.Context)
	cp.Lineage = slices.Clone(t.Lineage)
	if t.Nested != nil {
		nested := *t.Nested
		cp.Nested = &nested
	}
	return &cp
}

// TaskPriority exposes the ordering key used by priority queues.
func TaskPriority(t *Task) int {
	if t == nil {
		return 0
	}
	return t.Priority
}

// Record is a unit of extracted output destined for a pipeline.
type Record struct {
	Kind    string         `json:"kind"`
	Data    map[string]any `json:"data"`
	Lineage []string       `json:"lineage,omitempty"`
}

// RecordPriority orders records; record queues are always FIFO-like.
func RecordPriority(*Record) int { return 0 }

// Response captures a transport result handed to callbacks.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Cookies    map[string]string
	Duration   time.Duration
}

// Text returns the body as a string.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// HeartbeatRecord is the per-worker liveness entry published to the shared store.
type HeartbeatRecord struct {
	WorkerID       string    `json:"worker_id"`
	Timestamp      time.Time `json:"timestamp"`
	Waiting        bool      `json:"waiting"`
	DispatchDone   bool      `json:"dispatch_done"`
	RecordsDrained bool      `json:"records_drained"`
}

// LeaderToken names the current leader and when it was elected.
type LeaderToken struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}
