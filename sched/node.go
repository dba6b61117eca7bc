// Package sched is the reference "surrounding scheduler/epoch/termination
// service" named out-of-scope by spec.md §1: the core needs a working
// collaborator to be testable end-to-end, so this package provides one
// single-threaded cooperative per-node scheduler (spec.md §5) plus the
// collective-epoch bookkeeping InsertionEngine waits on.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sched

import (
	"sync"

	"github.com/arkscale/vt/cmn/atomic"
	"github.com/arkscale/vt/cmn/nlog"
)

// Node runs exactly one goroutine executing posted work items to
// completion without preemption (spec.md §5: "user handlers run to
// completion without preemption"). Posted work lands in FIFO order
// relative to the poster, which is what gives the runtime its
// same-sender ordering guarantee.
type Node struct {
	ID int

	workCh chan func()
	quit   chan struct{}
	done   chan struct{}

	epoch atomic.Uint64
}

func NewNode(id int, queueDepth int) *Node {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	n := &Node{
		ID:     id,
		workCh: make(chan func(), queueDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	return n
}

// Start launches the node's single scheduler goroutine.
func (n *Node) Start() {
	go n.loop()
}

func (n *Node) loop() {
	defer close(n.done)
	for {
		select {
		case fn := <-n.workCh:
			fn()
		case <-n.quit:
			// drain remaining work before exiting, so a Stop() racing
			// with in-flight Posts never silently drops a delivery.
			for {
				select {
				case fn := <-n.workCh:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on this node's scheduler goroutine. Two Posts
// issued by the same goroutine are delivered in the order issued
// (spec.md §5 ordering guarantee); no ordering is implied across
// distinct posting goroutines.
func (n *Node) Post(fn func()) {
	select {
	case n.workCh <- fn:
	case <-n.quit:
		nlog.Warningf("node %d: dropped post after shutdown", n.ID)
	}
}

// Invoke runs fn synchronously on the calling goroutine, bypassing the
// scheduler queue entirely — the "Invoke" operation of spec.md §4.4,
// with no ordering guaranteed against other scheduled work. Callers must
// only use this when they already know they are running on this node.
func (n *Node) Invoke(fn func()) { fn() }

func (n *Node) Stop() {
	close(n.quit)
	<-n.done
}

// NextEpoch atomically advances and returns this node's local epoch
// counter, used to stamp sends (spec.md §4.4 step 2).
func (n *Node) NextEpoch() uint64 { return n.epoch.Inc() }

// Cluster is a fixed set of Nodes running in the same process, the
// reference deployment this module is tested against.
type Cluster struct {
	nodes []*Node
	mu    sync.Mutex
}

func NewCluster(numNodes int) *Cluster {
	c := &Cluster{nodes: make([]*Node, numNodes)}
	for i := range c.nodes {
		c.nodes[i] = NewNode(i, 0)
	}
	return c
}

func (c *Cluster) NumNodes() int   { return len(c.nodes) }
func (c *Cluster) Node(id int) *Node { return c.nodes[id] }

func (c *Cluster) Start() {
	for _, n := range c.nodes {
		n.Start()
	}
}

func (c *Cluster) Stop() {
	var wg sync.WaitGroup
	for _, n := range c.nodes {
		n := n
		wg.Add(1)
		go func() { defer wg.Done(); n.Stop() }()
	}
	wg.Wait()
}

// Post implements transport.Transport: it delivers fn to destNode's
// scheduler queue. This is the in-process stand-in for the active-
// message transport named out-of-scope by spec.md §1.
func (c *Cluster) Post(destNode int, fn func()) error {
	if destNode < 0 || destNode >= len(c.nodes) {
		return errInvalidNode(destNode)
	}
	c.nodes[destNode].Post(fn)
	return nil
}

type errInvalidNode int

func (e errInvalidNode) Error() string { return "sched: invalid node id" }
