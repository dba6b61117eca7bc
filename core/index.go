package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"
)

// Index is the contract a user index type must satisfy (spec.md §3):
// value-semantic, hashable, totally ordered, and able to describe its
// own dimensionality for mapping and for dense enumeration.
type Index interface {
	fmt.Stringer
	// UniqueBits folds the index into a collision-free (within the
	// index's own domain) uint64, used as the Holder map key and as
	// HRW mapping input.
	UniqueBits() uint64
	NDims() int
	Dim(d int) int64
	Equal(other Index) bool
	Less(other Index) bool
}

// DenseIndex is the reference Index implementation: an N-dimensional
// dense integer coordinate, e.g. the array index of spec.md's worked
// scenarios (S1, S2, S5, S6). User element classes may supply their own
// Index implementation (a sparse key, a string, ...); DenseIndex is
// what the default maps and ForEachIndex operate over.
type DenseIndex []int64

func NewIndex(dims ...int64) DenseIndex { return DenseIndex(dims) }

func (ix DenseIndex) NDims() int        { return len(ix) }
func (ix DenseIndex) Dim(d int) int64   { return ix[d] }

func (ix DenseIndex) Equal(other Index) bool {
	o, ok := other.(DenseIndex)
	if !ok || len(o) != len(ix) {
		return false
	}
	for i := range ix {
		if ix[i] != o[i] {
			return false
		}
	}
	return true
}

// Less orders lexicographically by dimension; used only for deterministic
// iteration order (e.g. directory listings), never by the map function.
func (ix DenseIndex) Less(other Index) bool {
	o, ok := other.(DenseIndex)
	if !ok {
		return false
	}
	n := len(ix)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if ix[i] != o[i] {
			return ix[i] < o[i]
		}
	}
	return len(ix) < len(o)
}

func (ix DenseIndex) String() string {
	parts := make([]string, len(ix))
	for i, v := range ix {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ".")
}

// UniqueBits folds all dimensions into one uint64 via xxhash, the same
// fast-hash library used elsewhere in this codebase for a stable digest
// of a composite key.
func (ix DenseIndex) UniqueBits() uint64 {
	h := xxhash.New64()
	buf := make([]byte, 8)
	for _, v := range ix {
		u := uint64(v)
		for i := 0; i < 8; i++ {
			buf[i] = byte(u >> (8 * i))
		}
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

// Linearize maps ix into a single integer offset within bounds, in
// row-major order, used by the block default map and by the checkpoint
// directory's bucketing (spec.md §4.9).
func Linearize(ix, bounds DenseIndex) int64 {
	var off, mult int64 = 0, 1
	for d := len(bounds) - 1; d >= 0; d-- {
		off += ix[d] * mult
		mult *= bounds[d]
	}
	return off
}

// ForEachIndex enumerates every DenseIndex in the dense range [0,
// bounds) in row-major order, calling fn(idx) for each — the "foreach
// enumerating a dense sub-range" of spec.md §3. fn receives a fresh
// slice on every call, so it may retain it.
func ForEachIndex(bounds DenseIndex, fn func(DenseIndex)) {
	if len(bounds) == 0 {
		return
	}
	cur := make(DenseIndex, len(bounds))
	var rec func(d int)
	rec = func(d int) {
		if d == len(bounds) {
			cp := make(DenseIndex, len(cur))
			copy(cp, cur)
			fn(cp)
			return
		}
		for i := int64(0); i < bounds[d]; i++ {
			cur[d] = i
			rec(d + 1)
		}
	}
	rec(0)
}
