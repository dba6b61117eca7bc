// Package collection implements the per-node element holders and the
// node-wide typeless registry of live collections (spec.md §4.3): the
// data structures every other piece of the runtime (router, reduce,
// migrate, insert, build, ckpt — all subpackages of this one) operates
// on: one node-wide map keyed by an opaque id, with listener hooks and
// lazy cleanup.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package collection

import (
	"sync"

	"github.com/arkscale/vt/cmn/debug"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/core/meta"
)

// EventKind discriminates Holder listener events (spec.md §4.3).
type EventKind int

const (
	EventCreate EventKind = iota
	EventDestroy
	EventMigrateIn
	EventMigrateOut
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventDestroy:
		return "destroy"
	case EventMigrateIn:
		return "migrate-in"
	case EventMigrateOut:
		return "migrate-out"
	default:
		return "unknown"
	}
}

// Listener receives Holder events, e.g. the LB-statistics collector or
// a visualization feed (both named out-of-scope contract collaborators
// in spec.md §1; this runtime's own Prometheus-backed fan-out, below,
// is itself just one such listener).
type Listener func(event EventKind, idx core.Index, homeNode int)

// Holder is the per-node, per-collection map from index to owned
// element (spec.md §4.3). In the original template-heavy source this
// type is specialized per (collection-proxy, index-type); here a single
// concrete type suffices because core.Index is an interface rather than
// a compile-time type parameter — one Go type serves every collection.
type Holder struct {
	mu        sync.RWMutex
	entries   map[uint64]*core.ElementHolder
	destroyed bool

	group      *meta.Group
	groupReady bool
	useGroup   bool

	listeners []Listener

	erasedCount int
	foreachDepth int32 // re-entrant foreach nesting counter
	pendingCleanup []uint64
}

func NewHolder() *Holder {
	return &Holder{entries: make(map[uint64]*core.ElementHolder)}
}

func (h *Holder) AddListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *Holder) fire(event EventKind, idx core.Index, home int) {
	// snapshot under lock, invoke outside it: listeners may themselves
	// call back into the Holder (e.g. a stats listener reading Exists).
	h.mu.RLock()
	ls := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		if l != nil {
			ls = append(ls, l)
		}
	}
	h.mu.RUnlock()
	for _, l := range ls {
		l(event, idx, home)
	}
}

func (h *Holder) Exists(ix core.Index) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[ix.UniqueBits()]
	return ok && !e.Erased()
}

// Lookup returns the live ElementHolder at ix, or nil if absent/erased.
func (h *Holder) Lookup(ix core.Index) *core.ElementHolder {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[ix.UniqueBits()]
	if !ok || e.Erased() {
		return nil
	}
	return e
}

// Insert installs eh at its index. Per spec.md §4.3 this must not
// already exist live; a currently-erased entry at the same key is
// discarded and replaced. Returns false (and does nothing) if the
// Holder has been destroyed.
func (h *Holder) Insert(eh *core.ElementHolder) bool {
	if !h.put(eh) {
		return false
	}
	h.fire(EventCreate, eh.Index, eh.Home)
	return true
}

// put installs eh without firing any listener event.
func (h *Holder) put(eh *core.ElementHolder) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return false
	}
	key := eh.Index.UniqueBits()
	if old, ok := h.entries[key]; ok {
		debug.Assert(old.Erased(), "insert over a live entry")
		// an erased entry still in the map awaits deferred cleanup: drop
		// that cleanup so it does not delete the replacement.
		for i, k := range h.pendingCleanup {
			if k == key && old.Erased() {
				h.pendingCleanup = append(h.pendingCleanup[:i], h.pendingCleanup[i+1:]...)
				h.erasedCount--
				break
			}
		}
	}
	h.entries[key] = eh
	return true
}

// Remove marks the entry at ix erased and returns its owned element for
// the caller (migrate-out ownership transfer, or physical delete).
// Physical map removal is deferred until the outermost foreach
// completes (spec.md §4.3: "guarantees iterator stability during a
// handler that itself triggers deletions").
func (h *Holder) Remove(ix core.Index) (core.Element, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := ix.UniqueBits()
	e, ok := h.entries[key]
	if !ok || e.Erased() {
		return nil, false
	}
	h.markErasedLocked(e, key)
	return e.Elem, true
}

func (h *Holder) markErasedLocked(e *core.ElementHolder, key uint64) {
	markErased(e)
	h.erasedCount++
	if h.foreachDepth == 0 {
		delete(h.entries, key)
		h.erasedCount--
	} else {
		h.pendingCleanup = append(h.pendingCleanup, key)
	}
}

// DestroyAll clears every entry and marks the Holder destroyed; further
// Inserts are rejected (spec.md §4.3).
func (h *Holder) DestroyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make(map[uint64]*core.ElementHolder)
	h.destroyed = true
	h.pendingCleanup = nil
	h.erasedCount = 0
}

func (h *Holder) Destroyed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.destroyed
}

// Len returns the number of live (non-erased) entries.
func (h *Holder) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries) - h.erasedCount
}

// Foreach invokes fn(index, element) for every non-erased entry.
// Re-entrant calls are supported via foreachDepth; physical removal of
// entries erased during iteration happens only once the outermost call
// returns (spec.md §4.3).
func (h *Holder) Foreach(fn func(idx core.Index, elem core.Element)) {
	h.mu.Lock()
	h.foreachDepth++
	depth := h.foreachDepth
	snapshot := make([]*core.ElementHolder, 0, len(h.entries))
	for _, e := range h.entries {
		if !e.Erased() {
			snapshot = append(snapshot, e)
		}
	}
	h.mu.Unlock()

	for _, e := range snapshot {
		if !e.Erased() {
			fn(e.Index, e.Elem)
		}
	}

	h.mu.Lock()
	h.foreachDepth--
	if h.foreachDepth == 0 && depth == 1 && len(h.pendingCleanup) > 0 {
		for _, key := range h.pendingCleanup {
			delete(h.entries, key)
			h.erasedCount--
		}
		h.pendingCleanup = h.pendingCleanup[:0]
	}
	h.mu.Unlock()
}

// MigrateOut marks ix erased (as Remove does) and fires the
// migrate-out listener event; the returned element is the caller's to
// serialize and release.
func (h *Holder) MigrateOut(ix core.Index, homeNode int) (core.Element, bool) {
	elem, ok := h.Remove(ix)
	if ok {
		h.fire(EventMigrateOut, ix, homeNode)
	}
	return elem, ok
}

// MigrateIn installs eh and fires the migrate-in listener event.
func (h *Holder) MigrateIn(eh *core.ElementHolder) bool {
	if !h.put(eh) {
		return false
	}
	h.fire(EventMigrateIn, eh.Index, eh.Home)
	return true
}

func (h *Holder) FireDestroy(idx core.Index, home int) { h.fire(EventDestroy, idx, home) }

// SetGroup installs the collection's current communicator subset
// (spec.md glossary "Group"), rebuilt by InsertionEngine.FinishModification
// and by the construction pipeline.
func (h *Holder) SetGroup(g *meta.Group) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.group = g
	h.groupReady = true
}

func (h *Holder) Group() (*meta.Group, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.group, h.groupReady
}

func (h *Holder) UseGroup(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useGroup = v
}

func markErased(e *core.ElementHolder) { e.MarkErased() }
