// Package memory provides in-process dedup filters.
package memory

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/JakeFAU/swarmcrawl/internal/filter"
)

// Set is an exact dedup filter. Memory grows with every distinct fingerprint.
type Set struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// IsRepeat implements crawler.Filter.
func (s *Set) IsRepeat(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fingerprint]; ok {
		return true, nil
	}
	s.seen[fingerprint] = struct{}{}
	return false, nil
}

// Len reports the number of distinct fingerprints recorded.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Bloom is a probabilistic dedup filter backed by a local bit array.
type Bloom struct {
	mu     sync.Mutex
	params filter.Bloom
	bits   *bitset.BitSet
}

// NewBloom allocates a 2^params.Bits bit array.
func NewBloom(params filter.Bloom) (*Bloom, error) {
	p, err := params.Normalize()
	if err != nil {
		return nil, err
	}
	return &Bloom{params: p, bits: bitset.New(uint(p.Size()))}, nil
}

// IsRepeat reports true only when every probed bit was already set, then sets them all.
func (b *Bloom) IsRepeat(_ context.Context, fingerprint string) (bool, error) {
	offsets := b.params.Offsets(fingerprint)
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := true
	for _, off := range offsets {
		if !b.bits.Test(uint(off)) {
			seen = false
			b.bits.Set(uint(off))
		}
	}
	return seen, nil
}
