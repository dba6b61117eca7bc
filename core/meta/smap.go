// Package meta holds cluster-level (node-membership) metadata: the
// fixed node set, per-collection groups, and the map resolver that
// turns (proxy, index) into a home node. Adapted from this codebase's
// core/meta package (its Smap/Bck cluster metadata), generalized from
// "bucket metadata" to "collection membership".
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import "fmt"

// Smap is the fixed process set the runtime is deployed over (a fixed
// set of processes). Unlike a storage-cluster Smap (which tracks nodes
// joining/leaving), this runtime's node set is static for the run; Smap
// exists as a named, testable value rather than a bare int so call
// sites read `smap.NumNodes` instead of a magic parameter threaded
// everywhere.
type Smap struct {
	NumNodes int
}

func NewSmap(numNodes int) *Smap { return &Smap{NumNodes: numNodes} }

func (s *Smap) Valid(node int) bool { return node >= 0 && node < s.NumNodes }

func (s *Smap) String() string { return fmt.Sprintf("smap(n=%d)", s.NumNodes) }
