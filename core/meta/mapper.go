package meta

import (
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/arkscale/vt/core"
)

// MapFunc is signature (a) of spec.md §4.2: a pure function of its
// inputs, registered once under a handle and referenced thereafter by
// that handle so it travels across the wire as a small integer.
type MapFunc func(idx core.Index, bounds core.Index, numNodes int) int

// MapObject is signature (b) of spec.md §4.2: an object-group proxy
// whose per-node instance exposes Map. Used for unbounded index spaces
// where there is no fixed extent to partition, e.g. sparse/dynamic
// membership collections (spec.md §4.7, scenario S6).
type MapObject interface {
	Map(idx core.Index, ndims int, numNodes int) int
}

type MapHandle uint64

// MapRegistry registers MapFunc values under a stable handle, mirroring
// core.HandlerRegistry; it exists because MapHandle (not a Go function
// value) is what MetaCollection actually stores, so it survives
// serialization of collection configuration across a rooted-construction
// broadcast (spec.md §4.8).
type MapRegistry struct {
	mu     sync.RWMutex
	byID   map[MapHandle]MapFunc
	nextID MapHandle
}

func NewMapRegistry() *MapRegistry {
	r := &MapRegistry{byID: make(map[MapHandle]MapFunc)}
	r.nextID = 100 // reserve low handles for the well-known defaults below
	r.byID[HandleBlockMap] = BlockMap
	r.byID[HandleRoundRobinMap] = RoundRobinMap
	r.byID[HandleHRWMap] = HRWMap
	return r
}

func (r *MapRegistry) Register(fn MapFunc) MapHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.byID[id] = fn
	return id
}

func (r *MapRegistry) Lookup(h MapHandle) (MapFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.byID[h]
	return fn, ok
}

// Well-known default map handles (spec.md §4.2: "Default maps are
// provided per index dimensionality").
const (
	HandleBlockMap MapHandle = iota + 1
	HandleRoundRobinMap
	HandleHRWMap
)

// BlockMap distributes a bounded, dense 1-D-linearized index space into
// contiguous blocks, one per node: node k owns a contiguous run of
// ceil(total/numNodes) indices. This is the block default map of
// spec.md §4.2 / scenario S1 (bounds=[0,8), 4 nodes -> node k owns
// {2k, 2k+1}).
func BlockMap(idx core.Index, bounds core.Index, numNodes int) int {
	dix, dbounds := idx.(core.DenseIndex), bounds.(core.DenseIndex)
	total := int64(1)
	for _, b := range dbounds {
		total *= b
	}
	if total == 0 || numNodes == 0 {
		return 0
	}
	off := core.Linearize(dix, dbounds)
	blockSize := (total + int64(numNodes) - 1) / int64(numNodes)
	if blockSize == 0 {
		blockSize = 1
	}
	node := int(off / blockSize)
	if node >= numNodes {
		node = numNodes - 1
	}
	return node
}

// RoundRobinMap distributes a bounded, dense index space round-robin
// over nodes by linearized offset modulo numNodes.
func RoundRobinMap(idx core.Index, bounds core.Index, numNodes int) int {
	dix, dbounds := idx.(core.DenseIndex), bounds.(core.DenseIndex)
	off := core.Linearize(dix, dbounds)
	if numNodes == 0 {
		return 0
	}
	m := off % int64(numNodes)
	if m < 0 {
		m += int64(numNodes)
	}
	return int(m)
}

// HRWMap is the default map for unbounded index spaces (spec.md §4.2:
// "unbounded -> object-group default"): highest-random-weight
// (rendezvous) hashing of the index's own collision-free digest against
// each candidate node, so membership changes (which this runtime treats
// as a fixed process set, but the algorithm itself is stable under
// growth) only reshuffle a 1/numNodes fraction of keys. Grounded on the
// rendezvous-hash node selection used elsewhere in this codebase to pick
// the target that should own a given object.
func HRWMap(idx core.Index, _ core.Index, numNodes int) int {
	if numNodes <= 0 {
		return 0
	}
	key := idx.UniqueBits()
	best, bestWeight := 0, uint64(0)
	for n := 0; n < numNodes; n++ {
		w := rendezvousWeight(key, n)
		if w > bestWeight {
			bestWeight, best = w, n
		}
	}
	return best
}

func rendezvousWeight(key uint64, node int) uint64 {
	h := xxhash.New64()
	buf := [16]byte{}
	for i := 0; i < 8; i++ {
		buf[i] = byte(key >> (8 * i))
	}
	u := uint64(node)
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(u >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
