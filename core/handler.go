package core

import (
	"fmt"
	"sync"
)

// HandlerID identifies a registered element handler, the vrt_handler of
// the wire envelopes (spec.md §6). Handlers are registered once at
// process start-up by each user collection type and referenced
// thereafter only by id, never by function value, so they survive a
// trip across the wire (spec.md §4.9 Design Notes: "a registry mapping
// handler_id -> (function-pointer-on-element, message-deserializer)").
type HandlerID uint64

// HandlerFunc is the element-side of a dispatch: given the current
// run context, the local element, and the deserialized message, run the
// user handler. RunContext replaces the thread-local globals the
// template-heavy original relied on (queryIndexContext,
// queryProxyContext): it is threaded explicitly through dispatch rather
// than stashed in a process-wide variable (spec.md §9 Design Notes).
type HandlerFunc func(ctx *RunContext, elem Element, msg any)

// RunContext is the "current task" struct of spec.md §9: everything a
// running handler may legitimately ask about its own invocation.
type RunContext struct {
	Epoch uint64
	Proxy CollectionProxy
	Index Index
	Node  int
}

type handlerEntry struct {
	name string
	fn   HandlerFunc
}

// HandlerRegistry is process-wide (one per node, but identical content
// on every node since registration happens identically at start-up on
// all nodes) and is populated before any collection is constructed.
type HandlerRegistry struct {
	mu      sync.RWMutex
	byID    map[HandlerID]handlerEntry
	byName  map[string]HandlerID
	nextID  HandlerID
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		byID:   make(map[HandlerID]handlerEntry),
		byName: make(map[string]HandlerID),
	}
}

// Register installs fn under name, idempotently: registering the same
// name twice with an equivalent function returns the existing id rather
// than erroring, since user collection types commonly register handlers
// from package init() and test harnesses may construct multiple
// registries' worth of the same names.
func (r *HandlerRegistry) Register(name string, fn HandlerFunc) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id
	}
	r.nextID++
	id := r.nextID
	r.byID[id] = handlerEntry{name: name, fn: fn}
	r.byName[name] = id
	return id
}

func (r *HandlerRegistry) Lookup(id HandlerID) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

func (r *HandlerRegistry) Name(id HandlerID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id].name
}

func (r *HandlerRegistry) String() string {
	return fmt.Sprintf("handlers(n=%d)", len(r.byID))
}
