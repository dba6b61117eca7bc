package meta

import (
	"fmt"
	"sort"
)

// Group is the communicator subset containing exactly the nodes that
// currently own >=1 element of a collection (spec.md glossary). It is
// rebuilt by InsertionEngine.FinishModification and by the construction
// pipeline once the collection's initial membership is known.
type Group struct {
	nodes []int // sorted, deduplicated
}

// NewGroup builds a Group from the given node set, which need not be
// sorted or deduplicated.
func NewGroup(nodes []int) *Group {
	set := make(map[int]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return &Group{nodes: out}
}

func DefaultGroup(smap *Smap) *Group {
	nodes := make([]int, smap.NumNodes)
	for i := range nodes {
		nodes[i] = i
	}
	return &Group{nodes: nodes}
}

func (g *Group) Nodes() []int { return g.nodes }
func (g *Group) Size() int    { return len(g.nodes) }

func (g *Group) Contains(node int) bool {
	i := sort.SearchInts(g.nodes, node)
	return i < len(g.nodes) && g.nodes[i] == node
}

// Root returns the group's canonical root node: its lowest-numbered
// member, or -1 if the group is empty (a collection with no elements
// yet, mid-construction).
func (g *Group) Root() int {
	if len(g.nodes) == 0 {
		return -1
	}
	return g.nodes[0]
}

func (g *Group) Equal(o *Group) bool {
	if o == nil || len(g.nodes) != len(o.nodes) {
		return false
	}
	for i, n := range g.nodes {
		if o.nodes[i] != n {
			return false
		}
	}
	return true
}

func (g *Group) String() string { return fmt.Sprintf("group%v", g.nodes) }
