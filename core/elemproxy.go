package core

import "fmt"

// ElementProxy addresses one element: a (collection-proxy, index) pair
// (spec.md §3). It is not itself a Go map key type (Index need not be
// comparable — DenseIndex is a slice) — code that needs a map key uses
// Key() instead.
type ElementProxy struct {
	CP CollectionProxy
	IX Index
}

func NewElementProxy(cp CollectionProxy, ix Index) ElementProxy {
	return ElementProxy{CP: cp, IX: ix}
}

// Key returns a value usable as a Go map key, combining the collection
// proxy with the index's own collision-free digest (spec.md §3's
// uniqueBits()).
func (p ElementProxy) Key() ElementKey {
	return ElementKey{CP: p.CP, Bits: p.IX.UniqueBits()}
}

func (p ElementProxy) String() string { return fmt.Sprintf("%s[%s]", p.CP, p.IX) }

// ElementKey is the comparable, hashable projection of an ElementProxy
// used as a Go map key throughout the runtime (Holder entries, location
// manager lookups, reservation tracking).
type ElementKey struct {
	CP   CollectionProxy
	Bits uint64
}

func (k ElementKey) String() string { return fmt.Sprintf("%s#%x", k.CP, k.Bits) }
