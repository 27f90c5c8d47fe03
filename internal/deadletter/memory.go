package deadletter

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Memory is an in-process Store for local runs.
type Memory struct {
	mu   sync.Mutex
	sets map[Kind]map[string]crawler.Envelope
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{sets: make(map[Kind]map[string]crawler.Envelope)}
}

// Add implements Store. Identical envelopes collapse into one entry.
func (m *Memory) Add(_ context.Context, env crawler.Envelope) error {
	raw, err := crawler.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kind := KindOf(env.Type)
	if m.sets[kind] == nil {
		m.sets[kind] = make(map[string]crawler.Envelope)
	}
	m.sets[kind][string(raw)] = env
	return nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, kind Kind, limit int) ([]crawler.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.sortedKeys(kind)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]crawler.Envelope, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.sets[kind][k])
	}
	return out, nil
}

// Pop implements Store.
func (m *Memory) Pop(_ context.Context, kind Kind, n int) ([]crawler.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.sortedKeys(kind)
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	out := make([]crawler.Envelope, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.sets[kind][k])
		delete(m.sets[kind], k)
	}
	return out, nil
}

// Count implements Store.
func (m *Memory) Count(_ context.Context, kind Kind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[kind])), nil
}

func (m *Memory) sortedKeys(kind Kind) []string {
	keys := make([]string, 0, len(m.sets[kind]))
	for k := range m.sets[kind] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
