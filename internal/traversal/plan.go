package traversal

import (
	"fmt"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
)

// ConsentNodes builds the consent phase: one node per traversed dataset,
// addressed dataset:dataset, each fed by ROOT and feeding TERMINATOR.
// Consent has no dependency chain below dataset granularity.
func (t *Traversal) ConsentNodes() map[graph.CollectionAddress]*TraversalNode {
	keys := make(map[string]string)
	for _, addr := range t.Order {
		if _, ok := keys[addr.Dataset]; !ok {
			keys[addr.Dataset] = t.Nodes[addr].ConnectionKey
		}
	}

	var addrs []graph.CollectionAddress
	for ds := range keys {
		addrs = append(addrs, graph.NewCollectionAddress(ds, ds))
	}
	graph.SortAddresses(addrs)

	nodes := make(map[graph.CollectionAddress]*TraversalNode, len(addrs)+2)
	nodes[graph.RootAddress] = &TraversalNode{Address: graph.RootAddress, Downstream: addrs}
	for _, a := range addrs {
		nodes[a] = &TraversalNode{
			Address:       a,
			Collection:    &graph.Collection{Name: a.Collection},
			ConnectionKey: keys[a.Dataset],
			Upstream:      []graph.CollectionAddress{graph.RootAddress},
			Downstream:    []graph.CollectionAddress{graph.TerminatorAddress},
		}
	}
	up := addrs
	if len(up) == 0 {
		up = []graph.CollectionAddress{graph.RootAddress}
		nodes[graph.RootAddress].Downstream = []graph.CollectionAddress{graph.TerminatorAddress}
	}
	nodes[graph.TerminatorAddress] = &TraversalNode{Address: graph.TerminatorAddress, Upstream: up}
	return nodes
}

// Tasks builds the task set of one action type for a privacy request: ROOT,
// one task per node, TERMINATOR, in that order. Dependency lists follow the
// phase (data edges for access, erase_after for erasure, dataset fan-out for
// consent) and AllDescendantTasks is filled in.
func (t *Traversal) Tasks(privacyRequestID string, action model.ActionType) ([]*model.RequestTask, error) {
	nodes := t.Nodes
	var eg *ErasureGraph
	switch action {
	case model.ActionAccess:
	case model.ActionErasure:
		var err error
		if eg, err = t.ErasureGraph(); err != nil {
			return nil, err
		}
	case model.ActionConsent:
		nodes = t.ConsentNodes()
	default:
		return nil, fmt.Errorf("unknown action type %q", action)
	}

	var addrs []graph.CollectionAddress
	for a := range nodes {
		if !a.IsSynthetic() {
			addrs = append(addrs, a)
		}
	}
	graph.SortAddresses(addrs)
	order := append([]graph.CollectionAddress{graph.RootAddress}, addrs...)
	order = append(order, graph.TerminatorAddress)

	tasks := make([]*model.RequestTask, 0, len(order))
	byAddr := make(map[graph.CollectionAddress]*model.RequestTask, len(order))
	for _, a := range order {
		task := nodes[a].ToMockRequestTask(privacyRequestID, action)
		if eg != nil {
			eg.Apply(task)
		}
		tasks = append(tasks, task)
		byAddr[a] = task
	}
	for _, task := range tasks {
		task.AllDescendantTasks = descendants(task.CollectionAddress, byAddr)
	}
	return tasks, nil
}

// descendants walks DownstreamTasks transitively, returning sorted addresses.
func descendants(start graph.CollectionAddress, byAddr map[graph.CollectionAddress]*model.RequestTask) []graph.CollectionAddress {
	seen := graph.NewAddressSet()
	queue := append([]graph.CollectionAddress(nil), byAddr[start].DownstreamTasks...)
	for len(queue) > 0 {
		a := queue[0]
		queue = queue[1:]
		if seen.Has(a) {
			continue
		}
		seen.Add(a)
		if task, ok := byAddr[a]; ok {
			queue = append(queue, task.DownstreamTasks...)
		}
	}
	if len(seen) == 0 {
		return nil
	}
	return seen.Sorted()
}
