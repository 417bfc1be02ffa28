package graph

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports a malformed dataset definition.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Message
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Edge is a directed pair meaning "the value at From feeds To's query input".
//
// Bidirectional edges come from references declared without a direction; the
// traversal orients them away from whichever side it reaches first.
type Edge struct {
	From          FieldAddress `json:"from"`
	To            FieldAddress `json:"to"`
	Bidirectional bool         `json:"bidirectional,omitempty"`
}

// String renders "a:b:x -> c:d:y" (or "<->" for undirected edges).
func (e Edge) String() string {
	arrow := " -> "
	if e.Bidirectional {
		arrow = " <-> "
	}
	return e.From.String() + arrow + e.To.String()
}

// Reverse swaps the endpoints.
func (e Edge) Reverse() Edge {
	return Edge{From: e.To, To: e.From, Bidirectional: e.Bidirectional}
}

// Touches reports whether either endpoint lives in addr.
func (e Edge) Touches(addr CollectionAddress) bool {
	return e.From.Collection == addr || e.To.Collection == addr
}

// Node is one collection placed in the graph.
type Node struct {
	Address       CollectionAddress
	Collection    *Collection
	ConnectionKey string
}

// DatasetGraph is the full addressable node set for one privacy request.
type DatasetGraph struct {
	Nodes map[CollectionAddress]*Node

	// Edges holds every reference edge, deduplicated, in a stable order.
	Edges []Edge

	// IdentityKeys maps identity-annotated fields to their identity key name.
	IdentityKeys map[FieldAddress]string

	// Skipped lists collections dropped because of skip_processing.
	Skipped []CollectionAddress
}

// NewDatasetGraph builds a graph from datasets.
//
// Collections flagged SkipProcessing are dropped, along with every edge and
// ordering tie that touches them. References to collections that are not
// declared at all are a ValidationError.
func NewDatasetGraph(datasets ...GraphDataset) (*DatasetGraph, error) {
	g := &DatasetGraph{
		Nodes:        make(map[CollectionAddress]*Node),
		IdentityKeys: make(map[FieldAddress]string),
	}

	declared := make(map[CollectionAddress]*Collection)
	seenDatasets := make(map[string]bool, len(datasets))
	for di := range datasets {
		ds := &datasets[di]
		if ds.Name == "" {
			return nil, validationf("dataset at index %d has no name", di)
		}
		if seenDatasets[ds.Name] {
			return nil, validationf("duplicate dataset name %q", ds.Name)
		}
		seenDatasets[ds.Name] = true

		for ci := range ds.Collections {
			src := &ds.Collections[ci]
			addr := NewCollectionAddress(ds.Name, src.Name)
			if src.Name == "" {
				return nil, validationf("dataset %q: collection at index %d has no name", ds.Name, ci)
			}
			if _, dup := declared[addr]; dup {
				return nil, validationf("duplicate collection name %q in dataset %q", src.Name, ds.Name)
			}
			coll := src.Clone()
			for i := range coll.Fields {
				coll.Fields[i].normalize()
			}
			declared[addr] = &coll
			if coll.SkipProcessing {
				g.Skipped = append(g.Skipped, addr)
				continue
			}
			coll.After = append(coll.After, ds.After...)
			g.Nodes[addr] = &Node{Address: addr, Collection: &coll, ConnectionKey: ds.ConnectionKey}
		}
	}
	SortAddresses(g.Skipped)

	// Resolve ordering ties now that every collection is known.
	for addr, n := range g.Nodes {
		after, err := g.resolveTies(addr, n.Collection.After, declared, "after")
		if err != nil {
			return nil, err
		}
		n.Collection.After = after
		eraseAfter, err := g.resolveTies(addr, n.Collection.EraseAfter, declared, "erase_after")
		if err != nil {
			return nil, err
		}
		n.Collection.EraseAfter = eraseAfter
	}

	seenEdges := make(map[string]bool)
	addEdge := func(e Edge) {
		key := e.String()
		if e.Bidirectional {
			// a <-> b and b <-> a are the same edge.
			if rev := e.Reverse().String(); rev < key {
				key = rev
			}
		}
		if seenEdges[key] {
			return
		}
		seenEdges[key] = true
		g.Edges = append(g.Edges, e)
	}

	for _, addr := range g.Addresses() {
		n := g.Nodes[addr]
		for _, entry := range n.Collection.AllFields() {
			local := addr.Field(entry.Path...)
			if entry.Field.Identity != "" {
				g.IdentityKeys[local] = entry.Field.Identity
			}
			for _, ref := range entry.Field.References {
				target, ok := declared[ref.Address.Collection]
				if !ok {
					return nil, validationf("field %s references unknown collection %s", local, ref.Address.Collection)
				}
				if target.SkipProcessing {
					continue
				}
				if target.FieldByPath(ref.Address.Path) == nil {
					return nil, validationf("field %s references unknown field %s", local, ref.Address)
				}
				switch ref.Direction {
				case DirectionFrom:
					addEdge(Edge{From: ref.Address, To: local})
				case DirectionTo:
					addEdge(Edge{From: local, To: ref.Address})
				case DirectionBoth:
					addEdge(Edge{From: local, To: ref.Address, Bidirectional: true})
				default:
					return nil, validationf("field %s: invalid reference direction %q", local, ref.Direction)
				}
			}
		}
	}

	sort.SliceStable(g.Edges, func(i, j int) bool { return g.Edges[i].String() < g.Edges[j].String() })
	return g, nil
}

func (g *DatasetGraph) resolveTies(self CollectionAddress, ties []CollectionAddress, declared map[CollectionAddress]*Collection, label string) ([]CollectionAddress, error) {
	set := NewAddressSet()
	for _, t := range ties {
		c, ok := declared[t]
		if !ok {
			return nil, validationf("collection %s: %s references unknown collection %s", self, label, t)
		}
		if c.SkipProcessing || t == self {
			continue
		}
		set.Add(t)
	}
	if len(set) == 0 {
		return nil, nil
	}
	return set.Sorted(), nil
}

// Addresses returns every node address in sorted order.
func (g *DatasetGraph) Addresses() []CollectionAddress {
	out := make([]CollectionAddress, 0, len(g.Nodes))
	for a := range g.Nodes {
		out = append(out, a)
	}
	SortAddresses(out)
	return out
}

// Node returns the node at addr, or nil.
func (g *DatasetGraph) Node(addr CollectionAddress) *Node {
	return g.Nodes[addr]
}

// IdentityKeyNames returns the distinct identity key names declared anywhere.
func (g *DatasetGraph) IdentityKeyNames() []string {
	seen := make(map[string]bool)
	for _, k := range g.IdentityKeys {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DataCategoryFieldMapping maps each collection to category -> field paths.
func (g *DatasetGraph) DataCategoryFieldMapping() map[CollectionAddress]map[string][]FieldPath {
	out := make(map[CollectionAddress]map[string][]FieldPath, len(g.Nodes))
	for addr, n := range g.Nodes {
		out[addr] = n.Collection.CategoryFieldMapping()
	}
	return out
}

// Describe renders a short multi-line summary, used by the CLI.
func (g *DatasetGraph) Describe() string {
	var b strings.Builder
	for _, a := range g.Addresses() {
		fmt.Fprintf(&b, "%s (%s)\n", a, g.Nodes[a].ConnectionKey)
	}
	for _, e := range g.Edges {
		fmt.Fprintf(&b, "  %s\n", e)
	}
	return b.String()
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
