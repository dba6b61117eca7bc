package core

import (
	"fmt"

	"github.com/arkscale/vt/cmn/atomic"
	"github.com/tinylib/msgp/msgp"
)

// Element is the user-defined task object addressed by one ElementProxy.
// The core treats it opaquely (`any`); user element classes are plain Go
// structs. Handler dispatch goes through the HandlerRegistry below, not
// through method sets on Element, so a collection's element type never
// needs to implement a core interface just to receive sends.
type Element = any

// Migratable is implemented by element types that need migration hooks
// (spec.md §4.6): PreMigrateOut/EpiMigrateOut bracket serialization and
// removal on the source node, PreMigrateIn/EpiMigrateIn bracket
// deserialization and insertion on the destination. All four are
// optional; an element type implementing none of them migrates with no
// side effects beyond the copy itself.
type Migratable interface {
	PreMigrateOut()
	EpiMigrateOut()
}

type MigratableIn interface {
	PreMigrateIn()
	EpiMigrateIn()
}

// Serializable is the wire/checkpoint contract an element type must
// satisfy to be migrated or checkpointed: the msgp.Marshaler/Unmarshaler
// pair generated by `msgp -file elem.go`, per the DOMAIN STACK serializer
// choice. Elements that are never migrated or checkpointed need not
// implement it.
type Serializable interface {
	msgp.Marshaler
	msgp.Unmarshaler
}

// ElementHolder owns one element object plus the per-element metadata of
// spec.md §3: cached home node, stable load-balance id, the monotone
// reduce-stamp counter, and the erased flag used to defer physical
// removal while a foreach iterator is live: one struct, one owned
// payload, a handful of cached/derived fields.
type ElementHolder struct {
	Elem  Element
	Index Index
	Home  int    // home node, i.e. map(CP, Index)
	LBID  string // stable for the lifetime of the element on this node

	reduceStamp   atomic.Uint64
	erased        atomic.Bool
	lastBcastSeen atomic.Uint64
}

func NewElementHolder(elem Element, idx Index, home int, lbid string) *ElementHolder {
	return &ElementHolder{Elem: elem, Index: idx, Home: home, LBID: lbid}
}

// ReduceStamp returns the element's current reduce-stamp value.
func (h *ElementHolder) ReduceStamp() uint64 { return h.reduceStamp.Load() }

// SetReduceStamp installs an explicit stamp value, used by
// InsertionEngine.FinishModification to reconcile newly-inserted
// elements (spec.md §4.7 step 4) onto the collectively-agreed minimum.
func (h *ElementHolder) SetReduceStamp(v uint64) { h.reduceStamp.Store(v) }

// NextReduceStamp atomically advances and returns the element's reduce
// stamp, guaranteeing invariant 5 of spec.md §3 (strictly increasing
// across all of the element's own contributions).
func (h *ElementHolder) NextReduceStamp() uint64 { return h.reduceStamp.Inc() }

func (h *ElementHolder) Erased() bool { return h.erased.Load() }

// MarkErased flips the erased flag; called by the Holder that owns this
// entry once the element has been removed or migrated out.
func (h *ElementHolder) MarkErased() { h.erased.Store(true) }

// DeliverBcastOnce reports whether this element should be delivered a
// broadcast stamped with epoch — true (and recorded) the first time a
// given epoch is observed, false on any later attempt. The stamp is
// monotone per collection, so this single compare-and-swap is enough to
// guarantee at-most-one delivery per (collection, broadcast) pair even
// if the element migrates mid-broadcast (spec.md §4.4): the field
// travels with the ElementHolder across MigrationEngine's move.
func (h *ElementHolder) DeliverBcastOnce(epoch uint64) bool {
	for {
		last := h.lastBcastSeen.Load()
		if epoch <= last {
			return false
		}
		if h.lastBcastSeen.CAS(last, epoch) {
			return true
		}
	}
}

func (h *ElementHolder) String() string {
	return fmt.Sprintf("elmholder(idx=%s,home=%d,lbid=%s,erased=%t)", h.Index, h.Home, h.LBID, h.Erased())
}
