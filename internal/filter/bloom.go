// Package filter holds the bloom-filter offset math shared by the memory and Redis
// dedup filters, and the strict-mode wrapper that serializes checks behind a lock.
package filter

import (
	"fmt"
	"hash/fnv"
)

// HashFunc maps a fingerprint to a 64-bit value for one seed.
type HashFunc func(fingerprint string, seed uint64) uint64

// DefaultSeeds are the per-hash seeds used when none are configured.
var DefaultSeeds = []uint64{5, 7, 11, 13, 31, 37, 61}

// Rolling is the seeded polynomial hash ret = seed*ret + c over the fingerprint bytes.
// It is a best-effort spread with no collision-resistance analysis behind it.
func Rolling(fingerprint string, seed uint64) uint64 {
	var ret uint64
	for i := 0; i < len(fingerprint); i++ {
		ret = seed*ret + uint64(fingerprint[i])
	}
	return ret
}

// FNV mixes the seed into FNV-1a. It spreads short or similar fingerprints better than Rolling.
func FNV(fingerprint string, seed uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(seed >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(fingerprint))
	return h.Sum64()
}

// HashByName resolves a configured hash name.
func HashByName(name string) (HashFunc, error) {
	switch name {
	case "", "rolling":
		return Rolling, nil
	case "fnv":
		return FNV, nil
	default:
		return nil, fmt.Errorf("unknown bloom hash %q", name)
	}
}

// Bloom describes a bit array of 2^Bits bits probed by len(Seeds) hashes.
type Bloom struct {
	Bits  uint
	Seeds []uint64
	Hash  HashFunc
}

// MaxBits is the largest array Redis SETBIT can address.
const MaxBits = 32

// Normalize fills defaults and validates the bit width.
func (b Bloom) Normalize() (Bloom, error) {
	if b.Bits == 0 {
		b.Bits = 24
	}
	if b.Bits > MaxBits {
		return Bloom{}, fmt.Errorf("bloom bits %d exceeds %d", b.Bits, MaxBits)
	}
	if len(b.Seeds) == 0 {
		b.Seeds = DefaultSeeds
	}
	if b.Hash == nil {
		b.Hash = Rolling
	}
	return b, nil
}

// Size is the number of bits in the array.
func (b Bloom) Size() uint64 {
	return uint64(1) << b.Bits
}

// Offsets returns one bit offset per seed.
func (b Bloom) Offsets(fingerprint string) []uint64 {
	mask := b.Size() - 1
	out := make([]uint64, len(b.Seeds))
	for i, seed := range b.Seeds {
		out[i] = b.Hash(fingerprint, seed) & mask
	}
	return out
}
