// Package build implements ConstructionPipeline (spec.md §4.8): the
// parameter-object builder that collectively seeds a new collection's
// holders across every node.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package build

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arkscale/vt/cmn"
	"github.com/arkscale/vt/cmn/cos"
	"github.com/arkscale/vt/cmn/nlog"
	"github.com/arkscale/vt/collection"
	"github.com/arkscale/vt/collection/migrate"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/core/meta"
	"github.com/arkscale/vt/locmgr"
	"github.com/arkscale/vt/transport"
)

// BulkRange is one `(bounds)` range to enumerate and test against the
// collection's map (spec.md §4.8 "bulk_inserts").
type BulkRange struct {
	Bounds core.DenseIndex
}

// ListInsert is a collective enumerator callback: every node calls it
// and keeps only the indices its own map resolves locally (spec.md §4.8
// "list_inserts").
type ListInsert func() []core.Index

// HereEntry is a pre-constructed (idx, element) pair the calling node
// always constructs locally, regardless of what the map says (spec.md
// §4.8 "list_insert_here").
type HereEntry struct {
	Index core.Index
	Elem  core.Element
}

// ConsFn constructs one element for idx during collective seeding.
type ConsFn func(idx core.Index) core.Element

// Params is the parameter-object builder's gathered state (spec.md
// §4.8). The zero value is a valid, empty builder.
type Params struct {
	Bounds           core.DenseIndex
	BulkInserts      []BulkRange
	ListInserts      []ListInsert
	ListInsertHere   []HereEntry
	ConsFn           ConsFn
	DynamicMembership bool
	Collective       bool
	Migratable       bool
	MapHandle        meta.MapHandle
	MapObject        meta.MapObject
	NumNodes         int
}

// validate enforces the "conflicting options" failure mode of spec.md
// §4.8: list_insert_here and list_inserts are collective-only, and
// map_han and map_object cannot both be set. Combining list_insert_here
// with bulk or list inserts is not rejected.
func (p *Params) validate() error {
	if len(p.ListInsertHere) > 0 && !p.Collective {
		return cmn.NewErrOptionConflict("list_insert_here", "collective=false")
	}
	if len(p.ListInserts) > 0 && !p.Collective {
		return cmn.NewErrOptionConflict("list_inserts", "collective=false")
	}
	if p.MapHandle != 0 && p.MapObject != nil {
		return cmn.NewErrOptionConflict("map_han", "map_object")
	}
	return nil
}

// Directory is the process-wide map from node id to that node's own
// ConstructionPipeline. A rooted (non-collective) Wait() must seed
// holders on every participating node, not just the caller's; the
// reference in-process Transport runs the posted closure on whichever
// Pipeline instance originated the call, so the rooted path resolves
// the destination's own Pipeline here instead (see
// collection.Directory's doc comment for the general reason).
type Directory struct {
	mu     sync.RWMutex
	byNode map[int]*Pipeline
}

func NewDirectory() *Directory { return &Directory{byNode: make(map[int]*Pipeline)} }

func (d *Directory) Register(node int, p *Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byNode[node] = p
}

func (d *Directory) MustGet(node int) *Pipeline {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byNode[node]
}

// Pipeline is the per-node ConstructionPipeline.
type Pipeline struct {
	ThisNode   int
	Transport  transport.Transport
	Registry   *collection.Registry
	Pipelines  *Directory
	LocMgr     locmgr.LocationManager
	MapReg     *meta.MapRegistry
	Factories  *migrate.FactoryRegistry
	ProxyMaker *core.ProxyFactory

	mu         sync.Mutex
	seenRooted map[string]bool // correlation id -> already applied
}

func New(thisNode int, tp transport.Transport, reg *collection.Registry, dir *Directory, lm locmgr.LocationManager,
	mapReg *meta.MapRegistry, factories *migrate.FactoryRegistry, pf *core.ProxyFactory) *Pipeline {
	return &Pipeline{
		ThisNode: thisNode, Transport: tp, Registry: reg, Pipelines: dir, LocMgr: lm,
		MapReg: mapReg, Factories: factories, ProxyMaker: pf,
		seenRooted: make(map[string]bool),
	}
}

// markRoutedOnce reports whether correlation has not been seen on this
// node before, recording it if so. A rooted Wait()'s configuration
// message may be redelivered by an unreliable transport (spec.md §9
// open question on migrate-out acks applies equally to this broadcast);
// the correlation id lets a duplicate delivery be dropped instead of
// seeding the same holders twice.
func (p *Pipeline) markRoutedOnce(correlation string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seenRooted[correlation] {
		return false
	}
	p.seenRooted[correlation] = true
	return true
}

// Wait implements spec.md §4.8's wait()/deferWithEpoch(cb): allocate a
// new CP, install its MetaCollection, pick defaults, and seed every
// node's holders. A rooted (non-collective) construction is instead
// broadcast out as a configuration message, correlated by a uuid so
// duplicate deliveries (a possible outcome of an unreliable transport,
// spec.md §9 open question on migrate-out acks) are ignored.
func (p *Pipeline) Wait(params Params) (core.CollectionProxy, error) {
	if err := params.validate(); err != nil {
		return core.NoProxy, err
	}
	cp := p.ProxyMaker.MakeProxy(params.Collective, params.Migratable)

	if params.Collective {
		if err := p.makeCollectionImpl(cp, params, p.ThisNode); err != nil {
			return core.NoProxy, err
		}
		return cp, nil
	}

	correlation := uuid.New().String()
	for n := 0; n < params.NumNodes; n++ {
		n := n
		if err := p.Transport.Post(n, func() {
			pn := p.Pipelines.MustGet(n)
			if !pn.markRoutedOnce(correlation) {
				nlog.Warningf("build: duplicate rooted construction delivery for %s (corr=%s) on node %d ignored", cp, correlation, n)
				return
			}
			if err := pn.makeCollectionImpl(cp, params, n); err != nil {
				nlog.Errorf("build: rooted construction %s (corr=%s) on node %d: %v", cp, correlation, n, err)
			}
		}); err != nil {
			return core.NoProxy, err
		}
	}
	return cp, nil
}

// makeCollectionImpl implements spec.md §4.8's 5-step algorithm. It runs
// identically on every node participating in construction; each node
// keeps only the indices its own map resolves to itself (or that its
// own list_insert_here/cons_fn entries name directly).
func (p *Pipeline) makeCollectionImpl(cp core.CollectionProxy, params Params, thisNode int) error {
	mc := collection.NewMetaCollection(cp, params.NumNodes)
	mc.Bounds = params.Bounds
	mc.DynamicMembership = params.DynamicMembership
	mc.Collective = params.Collective
	mc.Migratable = params.Migratable

	// step 1: pick a default map if the caller gave none.
	switch {
	case params.MapObject != nil:
		mc.MapObject = params.MapObject
	case params.MapHandle != 0:
		mc.MapHandle = params.MapHandle
	case params.Bounds != nil:
		mc.MapHandle = meta.HandleBlockMap
	default:
		mc.MapHandle = meta.HandleHRWMap
	}

	// step 2: a location-manager instance per collection is out of scope
	// for buntdb's own key space (every collection shares the process-
	// wide LocMgr, keyed by ElementKey, which already embeds CP); nothing
	// further to register here.

	// step 3: register typeless meta.
	p.Registry.Register(mc)

	// step 4: seed holders. A bounded collection given no insert option
	// at all enumerates its whole Bounds range.
	bulks := params.BulkInserts
	if len(bulks) == 0 && len(params.ListInserts) == 0 && len(params.ListInsertHere) == 0 && params.Bounds != nil {
		bulks = []BulkRange{{Bounds: params.Bounds}}
	}
	var g errgroup.Group
	for _, here := range params.ListInsertHere {
		here := here
		g.Go(func() error {
			return p.constructHere(mc, here.Index, here.Elem)
		})
	}
	for _, bulk := range bulks {
		bulk := bulk
		g.Go(func() error { return p.seedRange(mc, params, bulk.Bounds, thisNode) })
	}
	for _, li := range params.ListInserts {
		li := li
		g.Go(func() error { return p.seedList(mc, params, li(), thisNode) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// step 5: build the group if anything was constructed anywhere. In
	// this in-process reference runtime every node observes the same
	// Bounds/map, so each node can compute the full membership itself
	// without an extra exchange.
	if params.Bounds != nil {
		p.buildDeterministicGroup(mc, params)
	}
	return nil
}

func (p *Pipeline) constructHere(mc *collection.MetaCollection, idx core.Index, elem core.Element) error {
	eh := core.NewElementHolder(elem, idx, p.ThisNode, cos.GenID())
	eh.SetReduceStamp(1)
	if !mc.Holder.Insert(eh) {
		return cmn.NewErrHolderDestroyed(mc.Proxy)
	}
	p.LocMgr.Register(core.NewElementProxy(mc.Proxy, idx).Key(), p.ThisNode)
	return nil
}

func (p *Pipeline) seedRange(mc *collection.MetaCollection, params Params, bounds core.DenseIndex, thisNode int) error {
	var ferr error
	core.ForEachIndex(bounds, func(idx core.DenseIndex) {
		if ferr != nil {
			return
		}
		node, err := mc.Map(p.MapReg, idx)
		if err != nil {
			ferr = err
			return
		}
		if node != thisNode {
			return
		}
		p.constructLocal(mc, params, idx)
	})
	return ferr
}

func (p *Pipeline) seedList(mc *collection.MetaCollection, params Params, indices []core.Index, thisNode int) error {
	for _, idx := range indices {
		node, err := mc.Map(p.MapReg, idx)
		if err != nil {
			return err
		}
		if node != thisNode {
			continue
		}
		p.constructLocal(mc, params, idx)
	}
	return nil
}

func (p *Pipeline) constructLocal(mc *collection.MetaCollection, params Params, idx core.Index) {
	var elem core.Element
	if params.ConsFn != nil {
		elem = params.ConsFn(idx)
	}
	eh := core.NewElementHolder(elem, idx, p.ThisNode, cos.GenID())
	eh.SetReduceStamp(1)
	if !mc.Holder.Insert(eh) {
		nlog.Warningf("build: %v", cmn.NewErrHolderDestroyed(mc.Proxy))
		return
	}
	p.LocMgr.Register(core.NewElementProxy(mc.Proxy, idx).Key(), p.ThisNode)
}

// buildDeterministicGroup computes the full set of nodes that own >=1
// index under the collection's own map, without any cross-node
// exchange, since every node already holds an identical copy of Bounds
// and the map configuration in this reference runtime.
func (p *Pipeline) buildDeterministicGroup(mc *collection.MetaCollection, params Params) {
	nodes := make(map[int]struct{})
	core.ForEachIndex(params.Bounds, func(idx core.DenseIndex) {
		if node, err := mc.Map(p.MapReg, idx); err == nil {
			nodes[node] = struct{}{}
		}
	})
	nodeList := make([]int, 0, len(nodes))
	for n := range nodes {
		nodeList = append(nodeList, n)
	}
	mc.Holder.SetGroup(meta.NewGroup(nodeList))
}
