// Package pipeline holds the record sinks the recorder flushes batches into, and the
// record observers that sit in front of them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Memory keeps every saved record. Useful for local runs and tests.
type Memory struct {
	mu      sync.Mutex
	records []*crawler.Record
	batches int
	closed  bool
}

// NewMemory returns an empty Memory pipeline.
func NewMemory() *Memory {
	return &Memory{}
}

// Save implements crawler.Pipeline.
func (m *Memory) Save(_ context.Context, records []*crawler.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return crawler.ErrClosed
	}
	m.records = append(m.records, records...)
	m.batches++
	return nil
}

// Close implements crawler.Pipeline.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Records returns a copy of everything saved so far.
func (m *Memory) Records() []*crawler.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// Batches reports how many Save calls succeeded.
func (m *Memory) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Fanout saves every batch to each wrapped pipeline in order.
type Fanout struct {
	pipelines []crawler.Pipeline
}

// NewFanout wraps pipelines. A single pipeline is returned as is.
func NewFanout(pipelines ...crawler.Pipeline) crawler.Pipeline {
	if len(pipelines) == 1 {
		return pipelines[0]
	}
	return &Fanout{pipelines: pipelines}
}

// Save stops at the first failing pipeline.
func (f *Fanout) Save(ctx context.Context, records []*crawler.Record) error {
	for i, p := range f.pipelines {
		if err := p.Save(ctx, records); err != nil {
			return fmt.Errorf("pipeline %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every pipeline and joins their errors.
func (f *Fanout) Close(ctx context.Context) error {
	var errs []error
	for _, p := range f.pipelines {
		errs = append(errs, p.Close(ctx))
	}
	return errors.Join(errs...)
}
