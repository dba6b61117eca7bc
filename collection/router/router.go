// Package router implements MessageRouter (spec.md §4.4): send,
// broadcast, collective broadcast, and local invoke.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package router

import (
	"github.com/arkscale/vt/cmn"
	"github.com/arkscale/vt/cmn/nlog"
	"github.com/arkscale/vt/collection"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/core/meta"
	"github.com/arkscale/vt/locmgr"
	"github.com/arkscale/vt/transport"
)

// StatsHook records a delivery for the LB-statistics collector named
// out-of-scope by spec.md §1 ("runs LB stats recording" in §4.4's
// delivery handler). Nil is a valid, no-op hook.
type StatsHook func(proxy core.CollectionProxy, idx core.Index, node int)

// Router is the per-node MessageRouter. One Router instance per node,
// constructed with that node's identity and its view of the shared
// (reference) transport, location manager, and registries. Registry is
// this node's own local state, used for anything the router resolves
// about its own collections (map config, local-only reads); Dir is the
// process-wide directory this in-process reference Transport needs to
// act "as" whatever node a posted closure actually lands on (see
// collection.Directory).
type Router struct {
	ThisNode  int
	Transport transport.Transport
	Registry  *collection.Registry
	Dir       *collection.Directory
	LocMgr    locmgr.LocationManager
	MapReg    *meta.MapRegistry
	Handlers  *core.HandlerRegistry
	Stats     StatsHook
	NextEpoch func() uint64
}

func New(thisNode int, tp transport.Transport, reg *collection.Registry, dir *collection.Directory,
	lm locmgr.LocationManager, mapReg *meta.MapRegistry, handlers *core.HandlerRegistry, nextEpoch func() uint64) *Router {
	return &Router{
		ThisNode: thisNode, Transport: tp, Registry: reg, Dir: dir, LocMgr: lm,
		MapReg: mapReg, Handlers: handlers, NextEpoch: nextEpoch,
	}
}

// homeOf resolves the configured map for cp/idx.
func (r *Router) homeOf(mc *collection.MetaCollection, idx core.Index) (int, error) {
	return mc.Map(r.MapReg, idx)
}

// destinationOf is "the location manager either resolves directly to
// that node or to the home node which forwards" (spec.md §3 invariant
// 1): prefer a known current location over the static home, since an
// element may have migrated since construction.
func (r *Router) destinationOf(mc *collection.MetaCollection, idx core.Index) (int, error) {
	key := core.NewElementProxy(mc.Proxy, idx).Key()
	if node, ok := r.LocMgr.Lookup(key); ok {
		return node, nil
	}
	return r.homeOf(mc, idx)
}

// Send implements P[idx].send<H>(msg) (spec.md §4.4 "Send").
func (r *Router) Send(cp core.CollectionProxy, idx core.Index, h core.HandlerID, userMsg any) error {
	mc, err := r.Registry.MustGet(cp)
	if err != nil {
		return err
	}
	dest, err := r.destinationOf(mc, idx)
	if err != nil {
		return err
	}
	env := &transport.CollectionMessage{
		Handler: h, Proxy: cp, Index: idx, From: r.ThisNode, Epoch: r.NextEpoch(), UserMsg: userMsg,
	}
	return r.Transport.Post(dest, func() { r.deliver(dest, env) })
}

// deliver runs on the destination node's scheduler goroutine.
func (r *Router) deliver(node int, env *transport.CollectionMessage) {
	mc, err := r.Dir.MustGet(node, env.Proxy)
	if err != nil {
		r.fatal(err)
		return
	}
	eh := mc.Holder.Lookup(env.Index)
	if eh == nil {
		r.fatal(cmn.NewErrElementMissing(env.Proxy, env.Index))
		return
	}
	fn, ok := r.Handlers.Lookup(env.Handler)
	if !ok {
		r.fatal(cmn.NewErrMapInvalid(env.Proxy))
		return
	}
	if r.Stats != nil {
		r.Stats(env.Proxy, env.Index, node)
	}
	ctx := &core.RunContext{Epoch: env.Epoch, Proxy: env.Proxy, Index: env.Index, Node: node}
	fn(ctx, eh.Elem, env.UserMsg)
}

// fatal logs a contract-violation error. Per spec.md §7 these kinds are
// fatal in a production deployment (a node would abort); this reference
// implementation logs and drops the message so a single malformed
// delivery does not take down every other running scenario.
func (r *Router) fatal(err error) {
	nlog.Errorf("router: %v", err)
}

// Broadcast implements P.broadcast<H>(msg): point-broadcast routed
// through the proxy's home node, which stamps a monotone broadcast
// epoch before fanning out (spec.md §4.4 "Broadcast").
func (r *Router) Broadcast(cp core.CollectionProxy, h core.HandlerID, userMsg any) error {
	root := cp.CreatorNode()
	env := &transport.BcastMessage{Handler: h, Proxy: cp, From: r.ThisNode, UserMsg: userMsg}
	return r.Transport.Post(root, func() { r.stampAndFanOut(root, env) })
}

func (r *Router) stampAndFanOut(root int, env *transport.BcastMessage) {
	mc, err := r.Dir.MustGet(root, env.Proxy)
	if err != nil {
		r.fatal(err)
		return
	}
	env.BcastEpoch = mc.NextBcastEpoch()

	nodes := r.fanoutNodes(mc)
	for _, n := range nodes {
		n := n
		if err := r.Transport.Post(n, func() { r.deliverBcast(n, env) }); err != nil {
			nlog.Warningf("router: broadcast post to %d failed: %v", n, err)
		}
	}
}

func (r *Router) fanoutNodes(mc *collection.MetaCollection) []int {
	if g, ready := mc.Holder.Group(); ready && g != nil {
		return g.Nodes()
	}
	nodes := make([]int, mc.NumNodes)
	for i := range nodes {
		nodes[i] = i
	}
	return nodes
}

// deliverBcast runs on every node in the fan-out; it delivers to every
// local element exactly once for this BcastEpoch, even under concurrent
// migration (spec.md §4.4, invariant 4 of spec.md §8).
func (r *Router) deliverBcast(node int, env *transport.BcastMessage) {
	mc, err := r.Dir.MustGet(node, env.Proxy)
	if err != nil {
		r.fatal(err)
		return
	}
	fn, ok := r.Handlers.Lookup(env.Handler)
	if !ok {
		r.fatal(cmn.NewErrMapInvalid(env.Proxy))
		return
	}
	mc.Holder.Foreach(func(idx core.Index, elem core.Element) {
		eh := mc.Holder.Lookup(idx)
		if eh == nil || !eh.DeliverBcastOnce(env.BcastEpoch) {
			return
		}
		if r.Stats != nil {
			r.Stats(env.Proxy, idx, node)
		}
		ctx := &core.RunContext{Epoch: env.BcastEpoch, Proxy: env.Proxy, Index: idx, Node: node}
		fn(ctx, elem, env.UserMsg)
	})
}

// BroadcastCollective implements P.broadcastCollective<H>(msg): every
// node invokes the handler concurrently on all its local elements with
// no root stamping step, semantically distinct from point-broadcast
// (spec.md §4.4).
func (r *Router) BroadcastCollective(cp core.CollectionProxy, h core.HandlerID, userMsg any, numNodes int) error {
	env := &transport.BcastMessage{Handler: h, Proxy: cp, From: r.ThisNode, UserMsg: userMsg}
	for n := 0; n < numNodes; n++ {
		n := n
		if err := r.Transport.Post(n, func() { r.deliverCollective(n, env) }); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) deliverCollective(node int, env *transport.BcastMessage) {
	mc, err := r.Dir.MustGet(node, env.Proxy)
	if err != nil {
		r.fatal(err)
		return
	}
	fn, ok := r.Handlers.Lookup(env.Handler)
	if !ok {
		r.fatal(cmn.NewErrMapInvalid(env.Proxy))
		return
	}
	mc.Holder.Foreach(func(idx core.Index, elem core.Element) {
		if r.Stats != nil {
			r.Stats(env.Proxy, idx, node)
		}
		ctx := &core.RunContext{Proxy: env.Proxy, Index: idx, Node: node}
		fn(ctx, elem, env.UserMsg)
	})
}

// Invoke implements P[idx].invoke<H>(args): synchronous, local-only,
// scheduler-bypassing dispatch (spec.md §4.4 "Invoke"). The element must
// already be local; no ordering against other scheduled work is
// guaranteed.
func (r *Router) Invoke(cp core.CollectionProxy, idx core.Index, h core.HandlerID, userMsg any) error {
	mc, err := r.Registry.MustGet(cp)
	if err != nil {
		return err
	}
	eh := mc.Holder.Lookup(idx)
	if eh == nil {
		return cmn.NewErrElementMissing(cp, idx)
	}
	fn, ok := r.Handlers.Lookup(h)
	if !ok {
		return cmn.NewErrMapInvalid(cp)
	}
	ctx := &core.RunContext{Proxy: cp, Index: idx, Node: r.ThisNode}
	fn(ctx, eh.Elem, userMsg)
	return nil
}

// TryGetLocalPtr implements P[idx].tryGetLocalPtr() (spec.md §6): returns
// the element and true only if it is resident on this node.
func (r *Router) TryGetLocalPtr(cp core.CollectionProxy, idx core.Index) (core.Element, bool) {
	mc, err := r.Registry.MustGet(cp)
	if err != nil {
		return nil, false
	}
	eh := mc.Holder.Lookup(idx)
	if eh == nil {
		return nil, false
	}
	return eh.Elem, true
}
