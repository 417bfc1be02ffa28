// Package traversal resolves a DatasetGraph and an identity seed into the
// set of TraversalNodes a privacy request executes, ordered root-first.
//
// Traversal starts at the synthetic ROOT node, whose outgoing edges are
// synthesized from the seed keys matched against identity-annotated fields.
// A collection is visited once every collection feeding it through a directed
// reference, and every collection it is declared to run after, has been
// visited, and at least one of its inputs is available. Undirected references
// are oriented away from whichever side is visited first. A collection that
// declares no input at all attaches directly to ROOT.
//
// Any collection left unvisited at the fixpoint makes the traversal fail
// with a TraversalError naming every unreachable collection.
package traversal

import (
	"sort"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/rowset"
)

// Traversal is the resolved execution plan for one identity seed.
type Traversal struct {
	Graph *graph.DatasetGraph
	Seed  map[string]string

	// Nodes holds one node per collection, ROOT and TERMINATOR included.
	Nodes map[graph.CollectionAddress]*TraversalNode

	// Order is the visitation order of the real collections.
	Order []graph.CollectionAddress

	// EndNodes are the collections with no downstream; they report into
	// TERMINATOR.
	EndNodes []graph.CollectionAddress
}

// New traverses g from seed. The seed is normalized first; an empty seed is
// an error.
func New(g *graph.DatasetGraph, seed map[string]string) (*Traversal, error) {
	seed = NormalizeIdentity(seed)
	if len(seed) == 0 {
		return nil, &TraversalError{Code: ErrCodeNoIdentity, Message: "identity seed has no usable values"}
	}

	var directed, identity []graph.Edge
	var undirected []graph.Edge
	for _, e := range g.Edges {
		if e.From.Collection == e.To.Collection {
			continue
		}
		if e.Bidirectional {
			undirected = append(undirected, e)
		} else {
			directed = append(directed, e)
		}
	}

	identityFields := make([]graph.FieldAddress, 0, len(g.IdentityKeys))
	declaresIdentity := graph.NewAddressSet()
	for f := range g.IdentityKeys {
		identityFields = append(identityFields, f)
		declaresIdentity.Add(f.Collection)
	}
	sort.Slice(identityFields, func(i, j int) bool { return identityFields[i].String() < identityFields[j].String() })
	for _, f := range identityFields {
		key := g.IdentityKeys[f]
		if _, ok := seed[key]; ok {
			identity = append(identity, graph.Edge{From: graph.RootAddress.Field(key), To: f})
		}
	}

	visited := graph.NewAddressSet(graph.RootAddress)
	oriented := append(append([]graph.Edge(nil), identity...), directed...)
	open := make([]bool, len(undirected))
	for i := range open {
		open[i] = true
	}

	var order []graph.CollectionAddress
	addresses := g.Addresses()
	for progress := true; progress; {
		progress = false
		for _, addr := range addresses {
			if visited.Has(addr) {
				continue
			}
			if !readyToVisit(g.Node(addr), visited, directed, identity, undirected, open, declaresIdentity) {
				continue
			}
			visited.Add(addr)
			order = append(order, addr)
			progress = true

			for i, e := range undirected {
				if !open[i] || !e.Touches(addr) {
					continue
				}
				local, other := e.To, e.From
				if e.From.Collection == addr {
					local, other = e.From, e.To
				}
				open[i] = false
				if visited.Has(other.Collection) {
					oriented = append(oriented, graph.Edge{From: other, To: local})
				} else {
					oriented = append(oriented, graph.Edge{From: local, To: other})
				}
			}
		}
	}

	var unreachable []graph.CollectionAddress
	for _, addr := range addresses {
		if !visited.Has(addr) {
			unreachable = append(unreachable, addr)
		}
	}
	if len(unreachable) > 0 {
		return nil, newUnreachableError(unreachable)
	}

	sort.SliceStable(oriented, func(i, j int) bool { return oriented[i].String() < oriented[j].String() })
	return assemble(g, seed, order, oriented), nil
}

// readyToVisit applies the visit rule to one unvisited node.
func readyToVisit(n *graph.Node, visited graph.AddressSet, directed, identity, undirected []graph.Edge, open []bool, declaresIdentity graph.AddressSet) bool {
	addr := n.Address
	for _, a := range n.Collection.After {
		if !visited.Has(a) {
			return false
		}
	}

	available := false
	declared := declaresIdentity.Has(addr)
	for _, e := range directed {
		if e.To.Collection != addr {
			continue
		}
		declared = true
		if !visited.Has(e.From.Collection) {
			return false
		}
		available = true
	}
	for _, e := range identity {
		if e.To.Collection == addr {
			available = true
		}
	}
	for i, e := range undirected {
		if !e.Touches(addr) {
			continue
		}
		declared = true
		if !open[i] {
			// Already oriented by the other side; it points here.
			available = true
			continue
		}
		other := e.From.Collection
		if other == addr {
			other = e.To.Collection
		}
		if visited.Has(other) {
			available = true
		}
	}
	return available || !declared
}

// assemble builds the node set once every collection has been visited.
func assemble(g *graph.DatasetGraph, seed map[string]string, order []graph.CollectionAddress, edges []graph.Edge) *Traversal {
	t := &Traversal{
		Graph: g,
		Seed:  seed,
		Nodes: make(map[graph.CollectionAddress]*TraversalNode, len(order)+2),
		Order: order,
	}

	upstream := make(map[graph.CollectionAddress]graph.AddressSet, len(order))
	for _, addr := range order {
		gn := g.Node(addr)
		n := &TraversalNode{
			Address:       addr,
			Collection:    gn.Collection,
			ConnectionKey: gn.ConnectionKey,
		}
		up := graph.NewAddressSet(gn.Collection.After...)
		for _, e := range edges {
			if e.To.Collection == addr {
				n.IncomingEdges = append(n.IncomingEdges, e)
				up.Add(e.From.Collection)
			}
			if e.From.Collection == addr {
				n.OutgoingEdges = append(n.OutgoingEdges, e)
			}
		}
		if len(up) == 0 {
			up.Add(graph.RootAddress)
		}
		upstream[addr] = up
		n.Upstream = up.Sorted()
		t.Nodes[addr] = n
	}

	root := &TraversalNode{Address: graph.RootAddress}
	for _, e := range edges {
		if e.From.Collection.IsRoot() {
			root.OutgoingEdges = append(root.OutgoingEdges, e)
		}
	}
	t.Nodes[graph.RootAddress] = root

	downstream := make(map[graph.CollectionAddress]graph.AddressSet)
	for addr, up := range upstream {
		for u := range up {
			if downstream[u] == nil {
				downstream[u] = graph.NewAddressSet()
			}
			downstream[u].Add(addr)
		}
	}

	term := &TraversalNode{Address: graph.TerminatorAddress}
	for _, addr := range order {
		if len(downstream[addr]) == 0 {
			t.EndNodes = append(t.EndNodes, addr)
		}
	}
	graph.SortAddresses(t.EndNodes)
	if len(t.EndNodes) == 0 {
		term.Upstream = []graph.CollectionAddress{graph.RootAddress}
	} else {
		term.Upstream = append([]graph.CollectionAddress(nil), t.EndNodes...)
	}
	for _, u := range term.Upstream {
		if downstream[u] == nil {
			downstream[u] = graph.NewAddressSet()
		}
		downstream[u].Add(graph.TerminatorAddress)
	}
	t.Nodes[graph.TerminatorAddress] = term

	for addr, n := range t.Nodes {
		n.Downstream = downstream[addr].Sorted()
	}
	return t
}

// Node returns the node at addr, or nil.
func (t *Traversal) Node(addr graph.CollectionAddress) *TraversalNode {
	return t.Nodes[addr]
}

// Root returns the synthetic seed node.
func (t *Traversal) Root() *TraversalNode { return t.Nodes[graph.RootAddress] }

// Terminator returns the synthetic sink node.
func (t *Traversal) Terminator() *TraversalNode { return t.Nodes[graph.TerminatorAddress] }

// SeedRows is the single row ROOT emits: the normalized identity seed.
func (t *Traversal) SeedRows() []rowset.Row {
	row := make(rowset.Row, len(t.Seed))
	for k, v := range t.Seed {
		row[k] = v
	}
	return []rowset.Row{row}
}

// Addresses returns every real collection address in sorted order.
func (t *Traversal) Addresses() []graph.CollectionAddress {
	out := append([]graph.CollectionAddress(nil), t.Order...)
	graph.SortAddresses(out)
	return out
}
