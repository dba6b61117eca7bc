// Package migrate implements MigrationEngine (spec.md §4.6): moving one
// element from its current owner to another node, and delivering it
// there, while keeping the location manager's directory consistent.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package migrate

import (
	"sync"

	"github.com/arkscale/vt/cmn"
	"github.com/arkscale/vt/cmn/cos"
	"github.com/arkscale/vt/cmn/nlog"
	"github.com/arkscale/vt/collection"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/core/meta"
	"github.com/arkscale/vt/locmgr"
	"github.com/arkscale/vt/transport"
)

// DestFactory produces a zero-value, Serializable element ready to
// receive UnmarshalMsg: the destination node has no other way to
// materialize an instance of a user element type it has never
// constructed locally. Registered once per collection proxy, mirroring
// core.HandlerRegistry's own per-type registration at start-up.
type DestFactory func() core.Element

// FactoryRegistry is a small per-Engine table from CollectionProxy to
// DestFactory; kept as its own type (rather than a bare map field) so
// it can be shared safely between an Engine and the construction
// pipeline, which holds the same instance. Neither registers factories
// on it; the code that sets up a collection does.
type FactoryRegistry struct {
	mu  sync.RWMutex
	byCP map[core.CollectionProxy]DestFactory
}

func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{byCP: make(map[core.CollectionProxy]DestFactory)}
}

func (f *FactoryRegistry) Register(cp core.CollectionProxy, fn DestFactory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byCP[cp] = fn
}

func (f *FactoryRegistry) Lookup(cp core.CollectionProxy) (DestFactory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.byCP[cp]
	return fn, ok
}

// Engine is the per-node MigrationEngine. Registry is this node's own
// local state, used for everything MigrateOut does on the source side;
// Dir resolves the destination node's Registry for deliverIn, since the
// reference in-process Transport runs that closure on whichever engine
// instance originated the call, not on an instance that actually owns
// the destination's state (see collection.Directory).
type Engine struct {
	ThisNode  int
	Transport transport.Transport
	Registry  *collection.Registry
	Dir       *collection.Directory
	LocMgr    locmgr.LocationManager
	MapReg    *meta.MapRegistry
	Factories *FactoryRegistry
	KeepLast  bool // the keepLast argument of New (cf. cmn.Config.KeepLastElmOnMigrate)
}

func New(thisNode int, tp transport.Transport, reg *collection.Registry, dir *collection.Directory, lm locmgr.LocationManager,
	mapReg *meta.MapRegistry, factories *FactoryRegistry, keepLast bool) *Engine {
	return &Engine{
		ThisNode: thisNode, Transport: tp, Registry: reg, Dir: dir, LocMgr: lm,
		MapReg: mapReg, Factories: factories, KeepLast: keepLast,
	}
}

// MigrateOut implements spec.md §4.6's migrateOut steps 1-7, run on the
// element's current owner.
func (e *Engine) MigrateOut(cp core.CollectionProxy, idx core.Index, dest int) error {
	if dest == e.ThisNode {
		return cmn.NewErrMigrationNoOp("destination equals current node")
	}
	mc, err := e.Registry.MustGet(cp)
	if err != nil {
		return err
	}
	if e.KeepLast && mc.Holder.Len() <= 1 {
		return cmn.NewErrMigrationNoOp("keep-last-element is configured and this is the only element")
	}

	eh := mc.Holder.Lookup(idx)
	if eh == nil {
		return cmn.NewErrElementMissing(cp, idx)
	}
	if m, ok := eh.Elem.(core.Migratable); ok {
		m.PreMigrateOut()
	}

	ser, ok := eh.Elem.(core.Serializable)
	if !ok {
		return cmn.NewErrMigrationNoOp("element type does not implement core.Serializable")
	}
	bytes, merr := ser.MarshalMsg(nil)
	if merr != nil {
		return merr
	}

	elem, ok := mc.Holder.MigrateOut(idx, eh.Home)
	if !ok {
		return cmn.NewErrElementMissing(cp, idx)
	}

	// Deregister before posting: deliverIn's Register on dest runs on
	// dest's own scheduler goroutine, with no ordering relative to this
	// goroutine beyond "after this Post call returns" -- so Deregister
	// must happen-before the Post, never after, or a dest that processes
	// the migrate-in quickly could have its Register wiped by this
	// Deregister racing in afterward.
	key := core.NewElementProxy(cp, idx).Key()
	e.LocMgr.Deregister(key)

	msg := &transport.MigrateMsg{Proxy: cp, Index: idx, From: e.ThisNode, To: dest, ElemBytes: bytes}
	if err := e.Transport.Post(dest, func() { e.deliverIn(msg) }); err != nil {
		nlog.Errorf("migrate: posting %s[%s] to %d: %v", cp, idx, dest, err)
		return err
	}

	if m, ok := elem.(core.Migratable); ok {
		m.EpiMigrateOut()
	}
	return nil
}

// deliverIn runs on the destination node's scheduler goroutine and
// implements spec.md §4.6's migrateIn steps. The caller must supply a
// concrete element to deserialize into via msg.ElemBytes: this
// reference engine has no way to construct a zero value of an unknown
// element type on its own, so DestFactory (registered per collection
// type, mirroring HandlerRegistry's own per-type registration) supplies
// one.
func (e *Engine) deliverIn(msg *transport.MigrateMsg) {
	mc, err := e.Dir.MustGet(msg.To, msg.Proxy)
	if err != nil {
		nlog.Errorf("migrate: %v", err)
		return
	}
	factory, ok := e.Factories.Lookup(msg.Proxy)
	if !ok {
		nlog.Errorf("migrate: no destination factory registered for %s", msg.Proxy)
		return
	}
	elem := factory()
	ser, ok := elem.(core.Serializable)
	if !ok {
		nlog.Errorf("migrate: factory for %s produced a non-Serializable element", msg.Proxy)
		return
	}
	if _, err := ser.UnmarshalMsg(msg.ElemBytes); err != nil {
		nlog.Errorf("migrate: unmarshal for %s[%s]: %v", msg.Proxy, msg.Index, err)
		return
	}

	home, herr := mc.Map(e.MapReg, msg.Index)
	if herr != nil {
		home = msg.From
	}
	if m, ok := elem.(core.MigratableIn); ok {
		m.PreMigrateIn()
	}

	// a fresh load-balance id: spec.md §3 defines LBID as "stable for the
	// lifetime of the element on this node", and migrate-in starts that
	// lifetime over on a new node.
	eh := core.NewElementHolder(elem, msg.Index, home, cos.GenID())
	if !mc.Holder.MigrateIn(eh) {
		nlog.Warningf("migrate: %v", cmn.NewErrHolderDestroyed(msg.Proxy))
		return
	}

	key := core.NewElementProxy(msg.Proxy, msg.Index).Key()
	e.LocMgr.Register(key, msg.To)

	if m, ok := elem.(core.MigratableIn); ok {
		m.EpiMigrateIn()
	}
}
