package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/traversal"
)

// ErrInjected is the error a FaultyConnector returns for a failing call.
var ErrInjected = errors.New("injected connector failure")

// FaultyConnector wraps a connector and fails calls against chosen
// collections. A failure count of -1 fails every call; a positive count
// fails that many calls and then lets the rest through.
//
// Thread-safety: FaultyConnector is safe for concurrent use when the wrapped
// connector is.
type FaultyConnector struct {
	task.Connector

	mu       sync.Mutex
	retrieve map[graph.CollectionAddress]int
	mask     map[graph.CollectionAddress]int
	skip     map[graph.CollectionAddress]bool
}

// NewFaultyConnector wraps inner with no faults configured.
func NewFaultyConnector(inner task.Connector) *FaultyConnector {
	return &FaultyConnector{
		Connector: inner,
		retrieve:  make(map[graph.CollectionAddress]int),
		mask:      make(map[graph.CollectionAddress]int),
		skip:      make(map[graph.CollectionAddress]bool),
	}
}

// FailRetrieve makes the next n retrievals against addr fail.
func (f *FaultyConnector) FailRetrieve(addr graph.CollectionAddress, n int) *FaultyConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieve[addr] = n
	return f
}

// FailMask makes the next n maskings against addr fail.
func (f *FaultyConnector) FailMask(addr graph.CollectionAddress, n int) *FaultyConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mask[addr] = n
	return f
}

// SkipRetrieve makes every retrieval against addr report the collection as
// skipped.
func (f *FaultyConnector) SkipRetrieve(addr graph.CollectionAddress) *FaultyConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skip[addr] = true
	return f
}

func (f *FaultyConnector) skipped(addr graph.CollectionAddress) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skip[addr]
}

func (f *FaultyConnector) take(faults map[graph.CollectionAddress]int, addr graph.CollectionAddress) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := faults[addr]
	switch {
	case n < 0:
		return true
	case n > 0:
		faults[addr] = n - 1
		return true
	}
	return false
}

func (f *FaultyConnector) RetrieveData(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, input map[string][]any) ([]rowset.Row, error) {
	if f.skipped(node.Address) {
		return nil, fmt.Errorf("%s: %w", node.Address, task.ErrCollectionSkipped)
	}
	if f.take(f.retrieve, node.Address) {
		return nil, ErrInjected
	}
	return f.Connector.RetrieveData(ctx, node, p, input)
}

func (f *FaultyConnector) MaskData(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, rows []rowset.Row, isPrimary bool) (int, error) {
	if f.take(f.mask, node.Address) {
		return 0, ErrInjected
	}
	return f.Connector.MaskData(ctx, node, p, rows, isPrimary)
}

// RunConsentRequest forwards to the wrapped connector when it propagates
// consent.
func (f *FaultyConnector) RunConsentRequest(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, identity map[string]string) (bool, error) {
	cr, ok := f.Connector.(task.ConsentRunner)
	if !ok {
		return false, task.ErrNotSupported
	}
	return cr.RunConsentRequest(ctx, node, p, identity)
}

// Close is a no-op so one wrapped connector can serve many task runs.
func (f *FaultyConnector) Close() error { return nil }

// Factory serves c for every connection key.
func Factory(c task.Connector) task.ConnectorFactory {
	return task.ConnectorFactoryFunc(func(context.Context, string) (task.Connector, error) { return c, nil })
}
