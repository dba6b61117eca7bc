// Package insert implements InsertionEngine (spec.md §4.7): the
// dynamic-membership modification-epoch protocol, home-node
// reservation ping, and reduce-stamp min-reconciliation at
// finishModification.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package insert

import (
	"encoding/binary"
	"sync"

	"github.com/seiflotfy/cuckoofilter"

	"github.com/arkscale/vt/cmn"
	"github.com/arkscale/vt/cmn/cos"
	"github.com/arkscale/vt/cmn/nlog"
	"github.com/arkscale/vt/collection"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/core/meta"
	"github.com/arkscale/vt/locmgr"
	"github.com/arkscale/vt/sched"
	"github.com/arkscale/vt/transport"
)

// Token wraps a modification epoch id (spec.md §4.7
// "beginModification(CP, label) -> Token"). Every insert/destroy call
// within the window must present the same Token that opened it.
type Token struct {
	Epoch sched.EpochID
	CP    core.CollectionProxy
}

// DestFactory constructs the element a successful insert installs,
// given whatever construct_msg the caller supplied (spec.md §4.7
// "insert(CP, idx, node, token, user_msg?)").
type DestFactory func(userMsg any) core.Element

type modWindow struct {
	label      string
	cp         core.CollectionProxy
	insertions int
	deletions  int
}

// reconcileState is the two-phase gather/broadcast FinishModification
// runs to agree on the minimum non-zero reduce stamp across nodes
// (spec.md §4.7 steps 2-3). It is a direct, special-purpose exchange
// rather than a ReduceEngine contribution: ReduceEngine's Contribute is
// defined per currently-running index (spec.md §4.5), but this
// reconciliation carries one opaque per-node value with no element
// context, so routing it through the generic per-element reduction API
// would only add indirection (see DESIGN.md).
type reconcileState struct {
	totalNodes int
	count      int
	min        uint64
	haveMin    bool
	done       chan uint64
}

// Directory is the process-wide map from node id to that node's own
// InsertionEngine. reconcileMin's gather/broadcast exchange runs
// partly "as root" (contributeMin) and partly "as every node"
// (deliverMin); like collection.Directory, this lets those steps act
// on the Engine instance that actually owns the target node's
// reconcile state instead of whichever instance's closure happened to
// be posted (see collection.Directory's doc comment for why the
// reference in-process Transport needs this at all).
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

// Engine is the per-node InsertionEngine. Registry/Dir follow the same
// split as router.Router: Registry is this node's own state, Dir
// resolves another node's Registry for a closure that must act "as"
// that node (doLocalInsert, the routed leg of DestroyElm). Engines
// resolves another node's *Engine itself, for the reconcile-state
// exchange in contributeMin/deliverMin.
type Engine struct {
	ThisNode  int
	Transport transport.Transport
	Registry  *collection.Registry
	Dir       *collection.Directory
	Engines   *Directory
	LocMgr    locmgr.LocationManager
	MapReg    *meta.MapRegistry
	Epochs    *sched.EpochService
	Factories map[core.CollectionProxy]DestFactory

	mu        sync.Mutex
	windows   map[sched.EpochID]*modWindow
	seen      map[core.CollectionProxy]*cuckoofilter.Filter // records locally inserted indices; not consulted by the insert checks
	reconcile map[sched.EpochID]*reconcileState
}

func New(thisNode int, tp transport.Transport, reg *collection.Registry, dir *collection.Directory, engines *Directory,
	lm locmgr.LocationManager, mapReg *meta.MapRegistry, epochs *sched.EpochService) *Engine {
	return &Engine{
		ThisNode: thisNode, Transport: tp, Registry: reg, Dir: dir, Engines: engines,
		LocMgr: lm, MapReg: mapReg, Epochs: epochs,
		Factories: make(map[core.CollectionProxy]DestFactory),
		windows:   make(map[sched.EpochID]*modWindow),
		seen:      make(map[core.CollectionProxy]*cuckoofilter.Filter),
		reconcile: make(map[sched.EpochID]*reconcileState),
	}
}

func (e *Engine) RegisterFactory(cp core.CollectionProxy, fn DestFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Factories[cp] = fn
}

func (e *Engine) filterFor(cp core.CollectionProxy) *cuckoofilter.Filter {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.seen[cp]
	if !ok {
		f = cuckoofilter.NewFilter(1 << 16)
		e.seen[cp] = f
	}
	return f
}

func filterKey(idx core.Index) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], idx.UniqueBits())
	return b[:]
}

// BeginModification opens a collective epoch that `totalNodes` nodes
// are expected to report done on (spec.md §4.7).
func (e *Engine) BeginModification(cp core.CollectionProxy, label string, totalNodes int) Token {
	id := e.Epochs.Begin(label, totalNodes)
	e.mu.Lock()
	e.windows[id] = &modWindow{label: label, cp: cp}
	e.mu.Unlock()
	return Token{Epoch: id, CP: cp}
}

func keyFor(cp core.CollectionProxy, idx core.Index) core.ElementKey {
	return core.NewElementProxy(cp, idx).Key()
}

// Insert implements spec.md §4.7's insert(CP, idx, node, token, msg?).
// node == nil means "use the home node" (dest defaults to home).
func (e *Engine) Insert(tok Token, idx core.Index, node *int, userMsg any) error {
	mc, err := e.Registry.MustGet(tok.CP)
	if err != nil {
		return err
	}
	home, herr := mc.Map(e.MapReg, idx)
	if herr != nil {
		return herr
	}
	dest := home
	if node != nil {
		dest = *node
	}
	key := keyFor(tok.CP, idx)

	switch {
	case dest == home:
		if e.ThisNode == dest {
			return e.insertAtHome(tok, mc, idx, dest, key, userMsg)
		}
		return e.Transport.Post(dest, func() { e.doHomeInsert(tok, idx, dest, key, userMsg) })
	default:
		// dest != home: always go through the home node's ping-reservation
		// protocol (spec.md §4.7 step 2), regardless of whether the caller
		// or the eventual destination happens to be this node — first-come-
		// wins arbitration has to happen at home every time, or a third
		// node placing an element straight at dest could race a normal
		// ping-home insert and both would win.
		return e.Transport.Post(home, func() { e.pingHome(tok, idx, dest, key, userMsg) })
	}
}

// insertAtHome runs when the caller, the destination, and the home node
// are all this node: returns an InsertionRace error if the index is
// already present or reserved, else inserts directly.
func (e *Engine) insertAtHome(tok Token, mc *collection.MetaCollection, idx core.Index, dest int, key core.ElementKey, userMsg any) error {
	if mc.Holder.Exists(idx) {
		return cmn.NewErrInsertionRace(tok.CP, idx)
	}
	if _, ok := e.LocMgr.Lookup(key); ok {
		return cmn.NewErrInsertionRace(tok.CP, idx)
	}
	e.doLocalInsert(tok, idx, dest, key, userMsg)
	return nil
}

// doHomeInsert runs on the destination node's scheduler goroutine when
// dest == home but the caller is neither: same race check as
// insertAtHome, resolved through the Directory since the caller's own
// Registry is not the destination's.
func (e *Engine) doHomeInsert(tok Token, idx core.Index, dest int, key core.ElementKey, userMsg any) {
	mc, err := e.Dir.MustGet(dest, tok.CP)
	if err != nil {
		nlog.Errorf("insert: %v", err)
		return
	}
	if mc.Holder.Exists(idx) {
		return
	}
	if _, ok := e.LocMgr.Lookup(key); ok {
		return
	}
	e.doLocalInsert(tok, idx, dest, key, userMsg)
}

// pingHome runs on the home node when dest != home: first-come-wins
// reservation (spec.md §4.7 step 2, and the state machine of §4.7:
// "Tie-break on concurrent inserts is resolved at the home by
// first-come-first-served in the home node's scheduler order").
func (e *Engine) pingHome(tok Token, idx core.Index, dest int, key core.ElementKey, userMsg any) {
	if !e.LocMgr.Reserve(key, dest) {
		// already present or already reserved: cancelled, no reply sent.
		return
	}
	if err := e.Transport.Post(dest, func() { e.doLocalInsert(tok, idx, dest, key, userMsg) }); err != nil {
		nlog.Warningf("insert: replying pinged=true for %s[%s] to %d: %v", tok.CP, idx, dest, err)
	}
}

func (e *Engine) doLocalInsert(tok Token, idx core.Index, dest int, key core.ElementKey, userMsg any) {
	mc, err := e.Dir.MustGet(dest, tok.CP)
	if err != nil {
		nlog.Errorf("insert: %v", err)
		return
	}
	e.mu.Lock()
	factory := e.Factories[tok.CP]
	e.mu.Unlock()
	if factory == nil {
		nlog.Errorf("insert: no destination factory registered for %s", tok.CP)
		return
	}
	elem := factory(userMsg)
	// sentinel reduce stamp 0 marks "newly inserted, not yet reconciled"
	// (spec.md §4.7: "the new element's reduce stamp is set to 0").
	eh := core.NewElementHolder(elem, idx, dest, cos.GenID())
	if !mc.Holder.Insert(eh) {
		nlog.Warningf("insert: %v", cmn.NewErrHolderDestroyed(tok.CP))
		return
	}
	e.LocMgr.Register(key, dest)
	e.filterFor(tok.CP).InsertUnique(filterKey(idx))

	e.mu.Lock()
	if w, ok := e.windows[tok.Epoch]; ok {
		w.insertions++
	}
	e.mu.Unlock()
}

// DestroyElm implements spec.md §4.7's destroyElm(CP, idx, token): if
// local, physical removal is already deferred by Holder.Remove while a
// foreach is in flight; otherwise a destroy message is routed to
// wherever the element currently is.
func (e *Engine) DestroyElm(tok Token, idx core.Index) error {
	mc, err := e.Registry.MustGet(tok.CP)
	if err != nil {
		return err
	}
	key := keyFor(tok.CP, idx)
	if e.destroyLocal(mc, idx, key) {
		e.mu.Lock()
		if w, ok := e.windows[tok.Epoch]; ok {
			w.deletions++
		}
		e.mu.Unlock()
		return nil
	}
	dest, ok := e.LocMgr.Lookup(key)
	if !ok {
		dest, err = mc.Map(e.MapReg, idx)
		if err != nil {
			return err
		}
	}
	return e.Transport.Post(dest, func() {
		if m, merr := e.Dir.MustGet(dest, tok.CP); merr == nil {
			e.destroyLocal(m, idx, key)
		}
	})
}

func (e *Engine) destroyLocal(mc *collection.MetaCollection, idx core.Index, key core.ElementKey) bool {
	eh := mc.Holder.Lookup(idx)
	if eh == nil {
		return false
	}
	home := eh.Home
	_, _ = mc.Holder.Remove(idx)
	mc.Holder.FireDestroy(idx, home)
	e.LocMgr.Deregister(key)
	return true
}

// FinishModification implements spec.md §4.7's finishModification steps
// 1-5: terminate the epoch, reconcile every newly-inserted element's
// sentinel reduce stamp onto the collectively-agreed minimum, and
// rebuild the group over the nodes now holding >=1 element.
func (e *Engine) FinishModification(tok Token, totalNodes int) error {
	e.Epochs.NodeDone(tok.Epoch, e.ThisNode)
	e.Epochs.Wait(tok.Epoch)

	mc, err := e.Registry.MustGet(tok.CP)
	if err != nil {
		return err
	}

	localMin, haveLocalMin, newlyInserted := e.localMinAndPending(mc)
	agreedMin := e.reconcileMin(tok, totalNodes, localMin, haveLocalMin)

	for _, eh := range newlyInserted {
		eh.SetReduceStamp(agreedMin)
	}
	mc.SetLastEpochStamp(agreedMin)
	e.rebuildGroup(mc)

	e.mu.Lock()
	delete(e.windows, tok.Epoch)
	e.mu.Unlock()
	e.Epochs.Finish(tok.Epoch)
	return nil
}

func (e *Engine) localMinAndPending(mc *collection.MetaCollection) (uint64, bool, []*core.ElementHolder) {
	var (
		localMin      uint64
		haveLocalMin  bool
		newlyInserted []*core.ElementHolder
	)
	mc.Holder.Foreach(func(idx core.Index, _ core.Element) {
		eh := mc.Holder.Lookup(idx)
		if eh == nil {
			return
		}
		s := eh.ReduceStamp()
		if s == 0 {
			newlyInserted = append(newlyInserted, eh)
			return
		}
		if !haveLocalMin || s < localMin {
			localMin, haveLocalMin = s, true
		}
	})
	if !haveLocalMin {
		localMin = mc.LastEpochStamp()
	}
	return localMin, haveLocalMin, newlyInserted
}

func (e *Engine) rebuildGroup(mc *collection.MetaCollection) {
	nodes := make(map[int]struct{})
	mc.Holder.Foreach(func(idx core.Index, _ core.Element) {
		if eh := mc.Holder.Lookup(idx); eh != nil {
			nodes[eh.Home] = struct{}{}
		}
	})
	nodeList := make([]int, 0, len(nodes))
	for n := range nodes {
		nodeList = append(nodeList, n)
	}
	mc.Holder.SetGroup(meta.NewGroup(nodeList))
}

// reconcileMin gathers every node's localMin at node 0, combines by
// minimum, broadcasts the agreed value back out, and blocks until this
// node's copy has arrived. Safe to block: FinishModification, like
// sched.EpochService.Wait, is only ever called from outside a node's own
// scheduler loop.
func (e *Engine) reconcileMin(tok Token, totalNodes int, localMin uint64, have bool) uint64 {
	const root = 0
	e.mu.Lock()
	// on the root, another node's contribution may already have created
	// this epoch's state; keep it so its count is not lost.
	st, ok := e.reconcile[tok.Epoch]
	if !ok {
		st = &reconcileState{totalNodes: totalNodes, done: make(chan uint64, 1)}
		e.reconcile[tok.Epoch] = st
	}
	done := st.done
	e.mu.Unlock()

	if err := e.Transport.Post(root, func() { e.Engines.MustGet(root).contributeMin(tok.Epoch, totalNodes, localMin, have) }); err != nil {
		nlog.Errorf("insert: posting stamp-reconciliation contribution: %v", err)
		return localMin
	}
	result := <-done
	e.mu.Lock()
	delete(e.reconcile, tok.Epoch)
	e.mu.Unlock()
	return result
}

func (e *Engine) contributeMin(epoch sched.EpochID, totalNodes int, v uint64, have bool) {
	e.mu.Lock()
	st, ok := e.reconcile[epoch]
	if !ok {
		st = &reconcileState{totalNodes: totalNodes, done: make(chan uint64, totalNodes)}
		e.reconcile[epoch] = st
	}
	if have && (!st.haveMin || v < st.min) {
		st.min, st.haveMin = v, true
	}
	st.count++
	full := st.count >= st.totalNodes
	min, haveMin := st.min, st.haveMin
	e.mu.Unlock()
	if !full {
		return
	}
	if !haveMin {
		// spec.md §8 scenario S6, literal case: a brand-new dynamic-
		// membership collection's very first modification epoch has no
		// pre-existing stamped element anywhere to reconcile against. 0
		// is reserved as the "not yet reconciled" sentinel (spec.md
		// §4.7), so the agreed minimum must start at the first valid
		// stamp instead, or invariant 2 of spec.md §8 ("every element's
		// reduce stamp is > 0") would be violated by every element this
		// epoch inserted.
		min = 1
	}
	e.broadcastMin(epoch, min, totalNodes)
}

func (e *Engine) broadcastMin(epoch sched.EpochID, min uint64, totalNodes int) {
	for n := 0; n < totalNodes; n++ {
		n := n
		if err := e.Transport.Post(n, func() { e.Engines.MustGet(n).deliverMin(epoch, min) }); err != nil {
			nlog.Warningf("insert: broadcasting agreed reduce-stamp minimum to %d: %v", n, err)
		}
	}
}

func (e *Engine) deliverMin(epoch sched.EpochID, min uint64) {
	e.mu.Lock()
	st, ok := e.reconcile[epoch]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case st.done <- min:
	default:
	}
}
