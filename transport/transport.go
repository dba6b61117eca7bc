// Package transport defines the active-message transport contract named
// out-of-scope by spec.md §1 and the wire envelope shapes of spec.md
// §6. The reference implementation (sched.Cluster.Post) delivers
// envelopes as in-process closures rather than real wire bytes, since
// the network layer itself is an external collaborator; msgp is instead
// applied at the two points where bytes are unavoidable regardless of
// transport medium — migrated element payloads (collection/migrate) and
// checkpoint files (collection/ckpt) — see DESIGN.md.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"fmt"

	"github.com/arkscale/vt/core"
)

// Transport is the contract MessageRouter, MigrationEngine, and
// InsertionEngine route through: "send this closure to run on
// destNode's scheduler". A production deployment substitutes an actual
// network transport (e.g. a streaming transport package) behind the
// same interface.
type Transport interface {
	Post(destNode int, fn func()) error
}

// CollectionMessage is the send envelope of spec.md §6.
type CollectionMessage struct {
	Handler   core.HandlerID
	Proxy     core.CollectionProxy
	Index     core.Index
	From      int
	Epoch     uint64
	UserMsg   any
}

func (m *CollectionMessage) String() string {
	return fmt.Sprintf("send(h=%d,%s[%s],from=%d,ep=%d)", m.Handler, m.Proxy, m.Index, m.From, m.Epoch)
}

// BcastMessage is the broadcast envelope of spec.md §6.
type BcastMessage struct {
	Handler    core.HandlerID
	Proxy      core.CollectionProxy
	From       int
	BcastEpoch uint64
	UserMsg    any
}

func (m *BcastMessage) String() string {
	return fmt.Sprintf("bcast(h=%d,%s,from=%d,bep=%d)", m.Handler, m.Proxy, m.From, m.BcastEpoch)
}

// InsertMsg is the insert envelope of spec.md §6.
type InsertMsg struct {
	Proxy        core.CollectionProxy
	Index        core.Index
	ConstructNode int
	HomeNode     int
	InsertEpoch  uint64
	Pinged       bool
	UserMsg      any
}

// MigrateMsg is the migrate envelope of spec.md §6.
type MigrateMsg struct {
	Proxy      core.CollectionProxy
	Index      core.Index
	From       int
	To         int
	MapHandle  uint64
	ElemBytes  []byte
}

// DestroyElmMsg is the destroy envelope of spec.md §6.
type DestroyElmMsg struct {
	Proxy         core.CollectionProxy
	Index         core.Index
	ModifierEpoch uint64
}

// CollectionStampMsg is the reduction envelope of spec.md §6.
type CollectionStampMsg struct {
	Proxy core.CollectionProxy
	Seq   uint64
}
