package dagrun

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/traversal"
)

// thunk computes one node's value from its dependencies' values, passed in
// dependency order.
type thunk[T any] func(ctx context.Context, inputs []T) T

// step is one entry of a task graph: a thunk and the keys it reads.
type step[T any] struct {
	fn   thunk[T]
	deps []graph.CollectionAddress
}

// taskGraph maps each key to its step.
type taskGraph[T any] map[graph.CollectionAddress]step[T]

// evaluate runs every step of tg once its dependencies have produced a
// value, on at most workers goroutines, and returns every value.
//
// Steps never fail; a step that cannot produce data returns its zero value.
// evaluate only errors on an invalid graph (unknown dependency, cycle) or a
// cancelled context.
func evaluate[T any](ctx context.Context, workers int, tg taskGraph[T]) (map[graph.CollectionAddress]T, error) {
	if workers < 1 {
		workers = 1
	}

	keys := make([]graph.CollectionAddress, 0, len(tg))
	adj := make(map[graph.CollectionAddress][]graph.CollectionAddress, len(tg))
	pending := make(map[graph.CollectionAddress]*atomic.Int32, len(tg))
	for k, s := range tg {
		keys = append(keys, k)
		pending[k] = &atomic.Int32{}
		pending[k].Store(int32(len(s.deps)))
		for _, d := range s.deps {
			if _, ok := tg[d]; !ok {
				return nil, fmt.Errorf("task graph: %s depends on unknown key %s", k, d)
			}
			adj[d] = append(adj[d], k)
		}
	}
	graph.SortAddresses(keys)
	if cycle := traversal.FindCycle(keys, adj); cycle != nil {
		return nil, fmt.Errorf("task graph: cycle through %v", graph.AddressStrings(cycle))
	}

	results := make(map[graph.CollectionAddress]T, len(tg))
	var mu sync.Mutex

	ready := make(chan graph.CollectionAddress, len(tg))
	for _, k := range keys {
		if len(tg[k].deps) == 0 {
			ready <- k
		}
	}
	if len(keys) == 0 {
		return results, nil
	}

	var remaining atomic.Int32
	remaining.Store(int32(len(keys)))

	logger := ctxlog.FromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case k, ok := <-ready:
					if !ok {
						return nil
					}
					s := tg[k]

					mu.Lock()
					inputs := make([]T, len(s.deps))
					for j, d := range s.deps {
						inputs[j] = results[d]
					}
					mu.Unlock()

					logger.Debug("evaluating node", "collection", k.String())
					out := s.fn(gctx, inputs)

					mu.Lock()
					results[k] = out
					mu.Unlock()

					for _, next := range adj[k] {
						if pending[next].Add(-1) == 0 {
							ready <- next
						}
					}
					if remaining.Add(-1) == 0 {
						close(ready)
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
