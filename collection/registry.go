package collection

import (
	"sync"

	"github.com/arkscale/vt/cmn"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/core/meta"
)

// MetaCollection is the per-collection configuration and bookkeeping of
// spec.md §3/§4.3: map handler, bounds, membership mode, migratability,
// cleanup closures, and the reduce stamp watermark of the last
// completed modification epoch.
type MetaCollection struct {
	Proxy core.CollectionProxy
	Holder *Holder

	MapHandle meta.MapHandle
	MapObject meta.MapObject // set instead of MapHandle for object-group maps
	Bounds    core.DenseIndex // nil => unbounded
	NumNodes  int

	DynamicMembership bool
	Collective        bool
	Migratable        bool

	mu             sync.Mutex
	cleanup        []func()
	lastEpochStamp uint64 // reduce-stamp watermark reconciled at the last finishModification
	bcastEpoch     uint64
}

// NextBcastEpoch is stamped by the proxy's home node (the root of a
// point-broadcast, spec.md §4.4) onto the BcastMessage envelope before
// fan-out, so every receiving node's elements can tell successive
// broadcasts apart.
func (m *MetaCollection) NextBcastEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bcastEpoch++
	return m.bcastEpoch
}

func NewMetaCollection(cp core.CollectionProxy, numNodes int) *MetaCollection {
	return &MetaCollection{Proxy: cp, Holder: NewHolder(), NumNodes: numNodes}
}

// Map computes the home node for idx using whichever of MapHandle /
// MapObject this collection was configured with (spec.md §4.2). Callers
// resolve MapHandle against a meta.MapRegistry themselves, since
// MetaCollection keeps only the handle (it must remain serializable, as
// it travels in a rooted-construction broadcast).
func (m *MetaCollection) Map(reg *meta.MapRegistry, idx core.Index) (int, error) {
	if m.MapObject != nil {
		return m.MapObject.Map(idx, idx.NDims(), m.NumNodes), nil
	}
	if m.MapHandle == 0 {
		return 0, cmn.NewErrMapInvalid(m.Proxy)
	}
	fn, ok := reg.Lookup(m.MapHandle)
	if !ok {
		return 0, cmn.NewErrMapInvalid(m.Proxy)
	}
	return fn(idx, m.Bounds, m.NumNodes), nil
}

func (m *MetaCollection) AddCleanup(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup = append(m.cleanup, fn)
}

func (m *MetaCollection) runCleanup() {
	m.mu.Lock()
	fns := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (m *MetaCollection) LastEpochStamp() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEpochStamp
}

func (m *MetaCollection) SetLastEpochStamp(v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEpochStamp = v
}

// Registry is the node-wide, typeless (in the Go sense: keyed only by
// CollectionProxy, with no compile-time element type) directory of
// every live collection on this node (spec.md §4.3's TypelessHolder).
type Registry struct {
	mu   sync.RWMutex
	cols map[core.CollectionProxy]*MetaCollection
}

func NewRegistry() *Registry {
	return &Registry{cols: make(map[core.CollectionProxy]*MetaCollection)}
}

func (r *Registry) Register(mc *MetaCollection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cols[mc.Proxy] = mc
}

func (r *Registry) Get(cp core.CollectionProxy) (*MetaCollection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mc, ok := r.cols[cp]
	return mc, ok
}

// MustGet returns the collection's MetaCollection or a ProxyMissing
// error — the fatal taxonomy entry of spec.md §7 for a message that
// arrives for an unregistered CP.
func (r *Registry) MustGet(cp core.CollectionProxy) (*MetaCollection, error) {
	mc, ok := r.Get(cp)
	if !ok {
		return nil, cmn.NewErrProxyMissing(cp)
	}
	return mc, nil
}

// Destroy runs mc's registered cleanup closures, destroys its Holder,
// and removes it from the registry (spec.md §2 "Cleanup & teardown").
func (r *Registry) Destroy(cp core.CollectionProxy) {
	r.mu.Lock()
	mc, ok := r.cols[cp]
	if ok {
		delete(r.cols, cp)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	mc.Holder.DestroyAll()
	mc.runCleanup()
}

// TeardownAll destroys every collection still registered on this node,
// the global teardown of spec.md §2.
func (r *Registry) TeardownAll() {
	r.mu.RLock()
	all := make([]core.CollectionProxy, 0, len(r.cols))
	for cp := range r.cols {
		all = append(all, cp)
	}
	r.mu.RUnlock()
	for _, cp := range all {
		r.Destroy(cp)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cols)
}

// Directory is the process-wide map from node id to that node's own
// Registry. A real multi-process deployment never needs one: a message
// arriving over the wire is handled by that process's single, local
// Registry, so "this node" and "the registry to use" are always the same
// thing. The reference in-process Transport (sched.Cluster) instead runs
// every node's scheduler as a goroutine of one process, so anything that
// must act "as node N" — a delivered send, a migrated-in element, a
// reduction partial arriving at its root — looks up node N's Registry
// here rather than through whichever node happened to originate the
// call.
type Directory struct {
	mu     sync.RWMutex
	byNode map[int]*Registry
}

func NewDirectory() *Directory { return &Directory{byNode: make(map[int]*Registry)} }

// Register installs reg as node's own Registry in the directory.
func (d *Directory) Register(node int, reg *Registry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byNode[node] = reg
}

func (d *Directory) Get(node int) (*Registry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byNode[node]
	return r, ok
}

// MustGet resolves node's Registry and then cp within it, collapsing an
// unknown node into the same ProxyMissing taxonomy entry (spec.md §7) as
// an unregistered collection: from the caller's side the two are
// indistinguishable failures.
func (d *Directory) MustGet(node int, cp core.CollectionProxy) (*MetaCollection, error) {
	reg, ok := d.Get(node)
	if !ok {
		return nil, cmn.NewErrProxyMissing(cp)
	}
	return reg.MustGet(cp)
}
