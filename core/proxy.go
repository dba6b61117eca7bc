// Package core is the runtime's data model: the bit-packed collection
// proxy, the element proxy, the index contract, the user-facing Element
// contract, and the per-element holder metadata (spec.md §3-4.1). It
// mirrors how this codebase's core package owns object metadata
// (one struct, one owned payload, a handful of cached/derived fields).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"fmt"

	"github.com/arkscale/vt/cmn/atomic"
)

// bit layout of a CollectionProxy, spec.md §3-4.1:
//
//	[ collective:1 | migratable:1 | creator_node:20 | sequence:42 ]
//
// 20 bits of creator_node supports up to ~1M nodes; 42 bits of sequence
// gives each node ~4.4e12 collections before wraparound, well beyond any
// process lifetime.
const (
	creatorBits   = 20
	sequenceBits  = 64 - 2 - creatorBits
	sequenceMask  = uint64(1)<<sequenceBits - 1
	creatorMask   = uint64(1)<<creatorBits - 1
	creatorShift  = sequenceBits
	migratableBit = uint64(1) << (creatorShift + creatorBits)
	collectiveBit = uint64(1) << (creatorShift + creatorBits + 1)
)

// CollectionProxy is the opaque 64-bit collection handle of spec.md §3.
// Two proxies are equal iff their full 64-bit values are equal; ordering
// (Less) is defined the same way, which is sufficient for use as a map
// key and for deterministic tie-breaking.
type CollectionProxy uint64

// NoProxy is the reserved sentinel denoting "unset" (spec.md §3).
// Sequences are minted starting at 1, so the zero value is never a live
// proxy.
const NoProxy CollectionProxy = 0

func (p CollectionProxy) IsCollective() bool { return uint64(p)&collectiveBit != 0 }
func (p CollectionProxy) IsMigratable() bool { return uint64(p)&migratableBit != 0 }
func (p CollectionProxy) CreatorNode() int   { return int((uint64(p) >> creatorShift) & creatorMask) }
func (p CollectionProxy) Sequence() uint64   { return uint64(p) & sequenceMask }
func (p CollectionProxy) IsSet() bool        { return p != NoProxy }

func (p CollectionProxy) Equal(o CollectionProxy) bool { return p == o }
func (p CollectionProxy) Less(o CollectionProxy) bool  { return p < o }

func (p CollectionProxy) String() string {
	return fmt.Sprintf("cp(seq=%d,node=%d,coll=%t,migr=%t)",
		p.Sequence(), p.CreatorNode(), p.IsCollective(), p.IsMigratable())
}

func packProxy(collective, migratable bool, creatorNode int, seq uint64) CollectionProxy {
	v := seq & sequenceMask
	v |= (uint64(creatorNode) & creatorMask) << creatorShift
	if migratable {
		v |= migratableBit
	}
	if collective {
		v |= collectiveBit
	}
	return CollectionProxy(v)
}

// ProxyFactory mints proxies for one node. Collective and rooted
// ("single-constructor") proxies are drawn from two independent
// monotone counters, per spec.md §4.1, since only one side of a
// collective construction call ever observes "the" sequence number for
// its own flavor.
type ProxyFactory struct {
	node       int
	collSeq    atomic.Uint64
	rootedSeq  atomic.Uint64
}

func NewProxyFactory(node int) *ProxyFactory { return &ProxyFactory{node: node} }

// MakeProxy atomically consumes the next sequence number for the given
// flavor and returns a fresh, never-reused CollectionProxy.
//
// Collective construction is an SPMD call: every participating node
// invokes MakeProxy the same number of times in the same order, so the
// sequence counter alone is already identical everywhere — but the
// creator_node field must be too, or two nodes running the same
// collective call would compute two different CollectionProxy values
// for what is supposed to be one collection. Collective proxies
// therefore always encode creator_node as 0 (a fixed "collective root"
// convention used only for bootstrapping operations like the default
// broadcast root, spec.md §4.4), regardless of which node happens to be
// running this call. Rooted ("single-constructor") proxies have no such
// requirement — exactly one node calls MakeProxy and then broadcasts
// the resulting CP to the rest — so creator_node there is genuinely
// f.node, the real, single caller.
func (f *ProxyFactory) MakeProxy(collective, migratable bool) CollectionProxy {
	var seq uint64
	creator := f.node
	if collective {
		seq = f.collSeq.Inc()
		creator = 0
	} else {
		seq = f.rootedSeq.Inc()
	}
	return packProxy(collective, migratable, creator, seq)
}
