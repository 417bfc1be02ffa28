package traversal

import (
	"fmt"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/rowset"
)

// TraversalNode is one collection annotated with its resolved dependency
// edges for one traversal run. It is immutable once the traversal is built.
type TraversalNode struct {
	Address       graph.CollectionAddress
	Collection    *graph.Collection
	ConnectionKey string

	// IncomingEdges all end in this collection; OutgoingEdges all start here.
	IncomingEdges []graph.Edge
	OutgoingEdges []graph.Edge

	// Upstream doubles as the node's input keys: rowsets are passed to the
	// task body positionally in this order.
	Upstream   []graph.CollectionAddress
	Downstream []graph.CollectionAddress
}

// InputKeys returns the upstream addresses in positional order.
func (n *TraversalNode) InputKeys() []graph.CollectionAddress { return n.Upstream }

// IsRoot reports whether n is the synthetic seed node.
func (n *TraversalNode) IsRoot() bool { return n.Address.IsRoot() }

// IsTerminator reports whether n is the synthetic sink node.
func (n *TraversalNode) IsTerminator() bool { return n.Address.IsTerminator() }

// HasDataEdges reports whether any reference edge feeds the node's query.
func (n *TraversalNode) HasDataEdges() bool { return len(n.IncomingEdges) > 0 }

// PrimaryKeys returns the collection's primary-key paths.
func (n *TraversalNode) PrimaryKeys() []graph.FieldPath {
	if n.Collection == nil {
		return nil
	}
	return n.Collection.PrimaryKeys()
}

// BuildInput maps upstream rowsets onto this node's query input fields.
//
// rowsets[i] holds the rows produced by InputKeys()[i]. Each incoming edge
// f1 -> f2 collects every value found at f1 across the matching upstream
// rows into the list keyed by f2's dotted path, flattening arrays and
// dropping duplicates in first-seen order. Fields with no values are absent.
func (n *TraversalNode) BuildInput(rowsets ...[]rowset.Row) (map[string][]any, error) {
	if len(rowsets) != len(n.Upstream) {
		return nil, fmt.Errorf("%s: got %d upstream rowsets, want %d", n.Address, len(rowsets), len(n.Upstream))
	}

	out := make(map[string][]any)
	seen := make(map[string]map[string]bool)
	for i, up := range n.Upstream {
		for _, e := range n.IncomingEdges {
			if e.From.Collection != up {
				continue
			}
			key := e.To.Path.String()
			if seen[key] == nil {
				seen[key] = make(map[string]bool)
			}
			for _, row := range rowsets[i] {
				vals := rowset.Values(row, e.From.Path)
				if len(vals) == 0 {
					continue
				}
				out[key] = rowset.AppendUnique(out[key], seen[key], vals...)
			}
		}
	}
	return out, nil
}

// ToMockRequestTask synthesizes the in-memory RequestTask shape of this node
// so one task body serves both schedulers.
func (n *TraversalNode) ToMockRequestTask(privacyRequestID string, action model.ActionType) *model.RequestTask {
	task := &model.RequestTask{
		ID:                model.TaskID(privacyRequestID, n.Address, action),
		PrivacyRequestID:  privacyRequestID,
		CollectionAddress: n.Address,
		ActionType:        action,
		Status:            model.StatusPending,
		UpstreamTasks:     append([]graph.CollectionAddress(nil), n.Upstream...),
		DownstreamTasks:   append([]graph.CollectionAddress(nil), n.Downstream...),
		IsRootTask:        n.IsRoot(),
		IsTerminatorTask:  n.IsTerminator(),
		Traversal: model.TraversalDetails{
			ConnectionKey: n.ConnectionKey,
			IncomingEdges: append([]graph.Edge(nil), n.IncomingEdges...),
			OutgoingEdges: append([]graph.Edge(nil), n.OutgoingEdges...),
			InputKeys:     append([]graph.CollectionAddress(nil), n.Upstream...),
		},
	}
	if n.Collection != nil {
		c := n.Collection.Clone()
		task.Collection = &c
	}
	return task
}

// NodeFromRequestTask rebuilds a TraversalNode from a persisted task's
// snapshot, without consulting the live dataset graph. It fails when the
// snapshot is missing or no longer consistent with its own edges.
func NodeFromRequestTask(task *model.RequestTask) (*TraversalNode, error) {
	if task.IsRootTask || task.IsTerminatorTask {
		return &TraversalNode{
			Address:       task.CollectionAddress,
			OutgoingEdges: task.Traversal.OutgoingEdges,
			Upstream:      task.UpstreamTasks,
			Downstream:    task.DownstreamTasks,
		}, nil
	}
	if task.Collection == nil {
		return nil, fmt.Errorf("task %s has no collection snapshot", task.CollectionAddress)
	}
	if task.Collection.Name != task.CollectionAddress.Collection {
		return nil, fmt.Errorf("snapshot collection %q does not match task address %s", task.Collection.Name, task.CollectionAddress)
	}

	inputs := graph.NewAddressSet(task.Traversal.InputKeys...)
	for _, e := range task.Traversal.IncomingEdges {
		if e.To.Collection != task.CollectionAddress {
			return nil, fmt.Errorf("incoming edge %s does not end in %s", e, task.CollectionAddress)
		}
		if task.Collection.FieldByPath(e.To.Path) == nil {
			return nil, fmt.Errorf("incoming edge %s targets a field missing from the snapshot", e)
		}
		if !inputs.Has(e.From.Collection) {
			return nil, fmt.Errorf("incoming edge %s comes from %s, which is not an input key", e, e.From.Collection)
		}
	}

	coll := task.Collection.Clone()
	return &TraversalNode{
		Address:       task.CollectionAddress,
		Collection:    &coll,
		ConnectionKey: task.Traversal.ConnectionKey,
		IncomingEdges: task.Traversal.IncomingEdges,
		OutgoingEdges: task.Traversal.OutgoingEdges,
		Upstream:      task.Traversal.InputKeys,
		Downstream:    task.DownstreamTasks,
	}, nil
}
