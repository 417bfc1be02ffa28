package traversal

import (
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
)

// ErasureGraph is the dependency structure of the erasure phase. It is
// independent of the data edges: a collection waits only on the collections
// it must erase after.
type ErasureGraph struct {
	Upstream   map[graph.CollectionAddress][]graph.CollectionAddress
	Downstream map[graph.CollectionAddress][]graph.CollectionAddress
}

// ErasureGraph derives the erasure dependencies of t.
//
// A collection's upstream is its erase_after set restricted to the traversed
// collections, or ROOT when that is empty. Collections nothing erases after
// feed TERMINATOR. Returns a TraversalError with code ERASURE_CYCLE, naming
// the cycle, when the constraints are contradictory.
func (t *Traversal) ErasureGraph() (*ErasureGraph, error) {
	adj := make(map[graph.CollectionAddress][]graph.CollectionAddress, len(t.Order))
	eg := &ErasureGraph{
		Upstream:   make(map[graph.CollectionAddress][]graph.CollectionAddress, len(t.Order)+2),
		Downstream: make(map[graph.CollectionAddress][]graph.CollectionAddress, len(t.Order)+2),
	}

	down := make(map[graph.CollectionAddress]graph.AddressSet)
	link := func(from, to graph.CollectionAddress) {
		if down[from] == nil {
			down[from] = graph.NewAddressSet()
		}
		down[from].Add(to)
	}

	nodes := t.Addresses()
	for _, addr := range nodes {
		up := graph.NewAddressSet()
		for _, a := range t.Nodes[addr].Collection.EraseAfter {
			if _, ok := t.Nodes[a]; ok && !a.IsSynthetic() {
				up.Add(a)
			}
		}
		if len(up) == 0 {
			up.Add(graph.RootAddress)
		}
		eg.Upstream[addr] = up.Sorted()
		for _, u := range eg.Upstream[addr] {
			link(u, addr)
			if !u.IsRoot() {
				adj[u] = append(adj[u], addr)
			}
		}
	}

	if cycle := FindCycle(nodes, adj); cycle != nil {
		return nil, newCycleError(cycle)
	}

	var ends []graph.CollectionAddress
	for _, addr := range nodes {
		if len(down[addr]) == 0 {
			ends = append(ends, addr)
		}
	}
	if len(ends) == 0 {
		ends = []graph.CollectionAddress{graph.RootAddress}
	}
	for _, e := range ends {
		link(e, graph.TerminatorAddress)
	}
	eg.Upstream[graph.TerminatorAddress] = ends

	for _, addr := range append(nodes, graph.RootAddress, graph.TerminatorAddress) {
		eg.Downstream[addr] = down[addr].Sorted()
	}
	eg.Upstream[graph.RootAddress] = nil
	return eg, nil
}

// Apply rewrites the dependency lists of an erasure task to the erasure
// ordering. Traversal details keep the access-phase input keys.
func (eg *ErasureGraph) Apply(task *model.RequestTask) {
	addr := task.CollectionAddress
	task.UpstreamTasks = append([]graph.CollectionAddress(nil), eg.Upstream[addr]...)
	task.DownstreamTasks = append([]graph.CollectionAddress(nil), eg.Downstream[addr]...)
}

// FindCycle runs a depth-first search over adj, visiting nodes in the given
// order, and returns the first cycle found as the sequence of its members
// (each depending on the previous, the first on the last). Returns nil when
// the graph is acyclic.
func FindCycle(nodes []graph.CollectionAddress, adj map[graph.CollectionAddress][]graph.CollectionAddress) []graph.CollectionAddress {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[graph.CollectionAddress]int, len(nodes))
	var stack []graph.CollectionAddress
	var cycle []graph.CollectionAddress

	var visit func(n graph.CollectionAddress) bool
	visit = func(n graph.CollectionAddress) bool {
		state[n] = onStack
		stack = append(stack, n)
		for _, next := range adj[n] {
			switch state[next] {
			case onStack:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append([]graph.CollectionAddress(nil), stack[i:]...)
						break
					}
				}
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return false
	}

	for _, n := range nodes {
		if state[n] == unvisited && visit(n) {
			return cycle
		}
	}
	return nil
}
