// Package reduce implements ReduceEngine (spec.md §4.5): per-collection
// reduction scope, stamp-keyed contribution tallying with the group
// sizing how many node partials the root waits for, and final delivery
// to the declared root's handler (node 0 when no root is given).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package reduce

import (
	"sync"

	"github.com/arkscale/vt/cmn"
	"github.com/arkscale/vt/cmn/nlog"
	"github.com/arkscale/vt/collection"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/transport"
)

// Op combines two contributed values into one. Contributions combine in
// an unspecified order (spec.md places no ordering invariant on Op), so
// Op must be associative and commutative, same as any reduction
// operator.
type Op func(a, b any) any

// Sum is the reference numeric Op exercised by spec.md §8 scenario S2.
func Sum(a, b any) any {
	switch av := a.(type) {
	case int:
		return av + b.(int)
	case int64:
		return av + b.(int64)
	case float64:
		return av + b.(float64)
	case uint64:
		return av + b.(uint64)
	default:
		return b
	}
}

// Min is the reference minimum Op. InsertionEngine.FinishModification
// does not use it: it reconciles reduce stamps through its own
// gather/broadcast exchange.
func Min(a, b any) any {
	switch av := a.(type) {
	case uint64:
		if bv := b.(uint64); bv < av {
			return bv
		}
		return av
	case int:
		if bv := b.(int); bv < av {
			return bv
		}
		return av
	default:
		return a
	}
}

// RootUnset is the "root_node == uninitialized" sentinel of spec.md
// §4.5, resolved to node 0.
const RootUnset = -1

type sessionKey struct {
	Proxy core.CollectionProxy
	Stamp uint64
}

// session is one node's bookkeeping for one (collection, stamp)
// reduction wave: outstanding local contributions (the sub-range tally
// of spec.md §4.5), and — if this node turns out to be the declared
// root — the per-node partials received so far.
type session struct {
	op      Op
	handler core.HandlerID
	root    int

	expectLocal int
	haveLocal   int
	local       any
	localSet    bool
	sentPartial bool

	expectNodes int
	nodesIn     map[int]struct{}
	acc         any
	accSet      bool
}

// partial is the in-process reduction envelope carried node-to-node: the
// stamp identifies the wave, op/handler/root travel with it so a node
// that never itself contributed (no local elements matching the
// sub-range predicate) can still stand up a session to receive it.
type partial struct {
	cp      core.CollectionProxy
	stamp   uint64
	from    int
	value   any
	op      Op
	handler core.HandlerID
	root    int
}

// Directory is the process-wide map from node id to that node's own
// ReduceEngine. receivePartial must accumulate every contributor's
// value in one place — the declared root's own sessions map — so a
// posted partial resolves the root's actual Engine instance here
// rather than running against whichever node's Engine happened to
// originate the Contribute call (see collection.Directory).
type Directory struct {
	mu     sync.RWMutex
	byNode map[int]*Engine
}

func NewDirectory() *Directory { return &Directory{byNode: make(map[int]*Engine)} }

func (d *Directory) Register(node int, e *Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byNode[node] = e
}

func (d *Directory) MustGet(node int) *Engine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byNode[node]
}

// Engine is the per-node ReduceEngine. Registry is this node's own local
// state; Dir resolves whichever node a posted partial actually lands on
// (see collection.Directory) — the root of a reduction is rarely this
// node itself. Engines resolves the root's own Engine instance, so its
// sessions map is the one every contributor's partial accumulates into.
type Engine struct {
	ThisNode  int
	Transport transport.Transport
	Registry  *collection.Registry
	Dir       *collection.Directory
	Engines   *Directory
	Handlers  *core.HandlerRegistry

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

func New(thisNode int, tp transport.Transport, reg *collection.Registry, dir *collection.Directory,
	engines *Directory, handlers *core.HandlerRegistry) *Engine {
	return &Engine{
		ThisNode: thisNode, Transport: tp, Registry: reg, Dir: dir, Engines: engines, Handlers: handlers,
		sessions: make(map[sessionKey]*session),
	}
}

func (e *Engine) get(key sessionKey) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[key]
	return s, ok
}

func (e *Engine) getOrCreate(key sessionKey) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[key]
	if !ok {
		s = &session{nodesIn: make(map[int]struct{})}
		e.sessions[key] = s
	}
	return s
}

func (e *Engine) drop(key sessionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, key)
}

func countMatching(h *collection.Holder, pred func(core.Index) bool) int {
	n := 0
	h.Foreach(func(idx core.Index, _ core.Element) {
		if pred == nil || pred(idx) {
			n++
		}
	})
	return n
}

func (e *Engine) fanoutNodes(mc *collection.MetaCollection) []int {
	if g, ready := mc.Holder.Group(); ready && g != nil {
		return g.Nodes()
	}
	nodes := make([]int, mc.NumNodes)
	for i := range nodes {
		nodes[i] = i
	}
	return nodes
}

func resolveRoot(root int) int {
	if root == RootUnset {
		return 0
	}
	return root
}

// Contribute is called from a running element's handler with its share
// of the reduction (spec.md §4.5: "a caller index (must be currently
// running), a message, a stamp, and optionally a root"). No caller
// index is passed: pred sizes the sub-range tally as the number of local
// indices it matches (every local index when nil), and this node's
// partial is forwarded to the root once that many contributions have
// been combined locally.
func (e *Engine) Contribute(cp core.CollectionProxy, stamp uint64, op Op, h core.HandlerID,
	root int, pred func(core.Index) bool, value any) error {
	mc, err := e.Registry.MustGet(cp)
	if err != nil {
		return err
	}
	key := sessionKey{Proxy: cp, Stamp: stamp}
	s := e.getOrCreate(key)

	if !s.localSet {
		s.op = op
		s.handler = h
		s.root = root
		s.expectLocal = countMatching(mc.Holder, pred)
		s.local = value
		s.localSet = true
		s.haveLocal = 1
	} else {
		s.local = s.op(s.local, value)
		s.haveLocal++
	}

	if s.haveLocal < s.expectLocal {
		return nil
	}
	if s.sentPartial {
		return nil
	}
	s.sentPartial = true

	dest := resolveRoot(s.root)
	p := partial{cp: cp, stamp: stamp, from: e.ThisNode, value: s.local, op: s.op, handler: s.handler, root: dest}
	if err := e.Transport.Post(dest, func() { e.Engines.MustGet(dest).receivePartial(p) }); err != nil {
		nlog.Warningf("reduce: posting partial for %s stamp=%d to root %d: %v", cp, stamp, dest, err)
		return err
	}
	return nil
}

// receivePartial runs on the declared root's scheduler goroutine. It
// combines each node's partial exactly once (invariant 5 of spec.md §8:
// "exactly one message to the declared root"), and once every expected
// node's partial has arrived, delivers the final combined value to H.
func (e *Engine) receivePartial(p partial) {
	mc, err := e.Dir.MustGet(p.root, p.cp)
	if err != nil {
		nlog.Errorf("reduce: %v", err)
		return
	}
	key := sessionKey{Proxy: p.cp, Stamp: p.stamp}
	s := e.getOrCreate(key)
	if s.op == nil {
		s.op = p.op
		s.handler = p.handler
		s.root = p.root
	}
	if s.expectNodes == 0 {
		s.expectNodes = len(e.fanoutNodes(mc))
	}
	if _, dup := s.nodesIn[p.from]; dup {
		return
	}
	s.nodesIn[p.from] = struct{}{}
	if !s.accSet {
		s.acc = p.value
		s.accSet = true
	} else {
		s.acc = s.op(s.acc, p.value)
	}
	if len(s.nodesIn) < s.expectNodes {
		return
	}

	fn, ok := e.Handlers.Lookup(s.handler)
	if !ok {
		nlog.Errorf("reduce: %v", cmn.NewErrMapInvalid(p.cp))
		e.drop(key)
		return
	}
	ctx := &core.RunContext{Epoch: p.stamp, Proxy: p.cp, Node: p.root}
	final := s.acc
	e.drop(key)
	fn(ctx, nil, final)
}
