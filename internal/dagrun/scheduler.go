// Package dagrun is the in-memory scheduler: it evaluates one privacy
// request's traversal as a task graph inside the calling process.
//
// Results propagate through the request's result cache rather than through
// return values alone. A collection whose result is already cached is
// substituted into the graph as a constant, so re-running after a partial
// failure only calls connectors for the collections that never finished.
// TERMINATOR reads the cache back, which makes the cache the single source
// of the run's output.
//
// There is no crash recovery beyond what the cache holds. Use the queued
// scheduler (package engine) for durable execution.
package dagrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/traversal"
)

var tracer = otel.Tracer("dsr.dagrun")

// Config configures a Scheduler.
type Config struct {
	// Workers bounds the goroutines evaluating erasure and consent graphs.
	// Access graphs always run on one worker so field mapping is
	// deterministic.
	Workers int
}

// DefaultConfig returns four workers.
func DefaultConfig() Config {
	return Config{Workers: 4}
}

// Scheduler runs traversals in memory.
type Scheduler struct {
	cfg      Config
	taskOpts []task.Option
}

// New returns a Scheduler. taskOpts are applied to every GraphTask it
// builds.
func New(cfg Config, taskOpts ...task.Option) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Scheduler{cfg: cfg, taskOpts: taskOpts}
}

// AccessResult is the output of an access run.
type AccessResult struct {
	// Rows maps collection address strings to the rows retrieved, as
	// read back from the cache. Callers filter them by policy.
	Rows map[string][]rowset.Row

	// Failed lists the collections whose task body errored.
	Failed []graph.CollectionAddress
}

// ErasureResult is the output of an erasure run.
type ErasureResult struct {
	Counts map[string]int
	Failed []graph.CollectionAddress
}

// ConsentResult is the output of a consent run.
type ConsentResult struct {
	// Sent maps dataset-level addresses to whether consent was propagated.
	Sent   map[string]bool
	Failed []graph.CollectionAddress
}

// failures collects failed addresses from concurrent thunks.
type failures struct {
	mu    sync.Mutex
	addrs []graph.CollectionAddress
}

func (f *failures) add(addr graph.CollectionAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs = append(f.addrs, addr)
}

func (f *failures) sorted() []graph.CollectionAddress {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]graph.CollectionAddress(nil), f.addrs...)
	graph.SortAddresses(out)
	return out
}

func (s *Scheduler) startRun(ctx context.Context, res *task.Resources, action model.ActionType) (context.Context, trace.Span, time.Time) {
	ctx = ctxlog.With(ctx, "privacy_request_id", res.PrivacyRequestID, "action", string(action))
	ctx, span := tracer.Start(ctx, "dagrun."+string(action),
		trace.WithAttributes(
			attribute.String("dsr.privacy_request_id", res.PrivacyRequestID),
			attribute.String("dsr.action", string(action)),
		),
	)
	ctxlog.FromContext(ctx).Info("starting in-memory run")
	return ctx, span, time.Now()
}

func endRun(ctx context.Context, span trace.Span, start time.Time, failed []graph.CollectionAddress, err error) {
	defer span.End()
	logger := ctxlog.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("in-memory run failed", "error", err, "duration", time.Since(start))
		return
	}
	span.SetAttributes(attribute.Int("dsr.failed", len(failed)))
	logger.Info("in-memory run finished", "failed", len(failed), "duration", time.Since(start))
}

// RunAccess retrieves every collection of tr in dependency order.
func (s *Scheduler) RunAccess(ctx context.Context, tr *traversal.Traversal, res *task.Resources) (_ *AccessResult, err error) {
	ctx, span, start := s.startRun(ctx, res, model.ActionAccess)
	var failed failures
	defer func() { endRun(ctx, span, start, failed.sorted(), err) }()

	// Cache reads happen before evaluation so a cached collection never
	// reaches its task body.
	tg := make(taskGraph[[]rowset.Row], len(tr.Nodes))
	for addr, node := range tr.Nodes {
		switch {
		case node.IsRoot():
			seed := tr.SeedRows()
			tg[addr] = step[[]rowset.Row]{fn: func(context.Context, [][]rowset.Row) []rowset.Row { return seed }}
		case node.IsTerminator():
			tg[addr] = step[[]rowset.Row]{fn: func(context.Context, [][]rowset.Row) []rowset.Row { return nil }, deps: node.Upstream}
		default:
			cached, ok, err := res.CachedAccessResult(ctx, addr)
			if err != nil {
				return nil, fmt.Errorf("read cached result of %s: %w", addr, err)
			}
			if ok {
				ctxlog.FromContext(ctx).Debug("using cached result", "collection", addr.String(), "rows", len(cached))
				tg[addr] = step[[]rowset.Row]{fn: func(context.Context, [][]rowset.Row) []rowset.Row { return cached }, deps: node.Upstream}
				continue
			}
			gt := task.NewGraphTask(node, res, s.taskOpts...)
			tg[addr] = step[[]rowset.Row]{
				deps: node.Upstream,
				fn: func(ctx context.Context, inputs [][]rowset.Row) []rowset.Row {
					rows, err := gt.AccessRequest(ctx, inputs...)
					if err != nil && !task.IsSkipped(err) {
						failed.add(gt.Node.Address)
					}
					return rows
				},
			}
		}
	}

	if _, err := evaluate(ctx, 1, tg); err != nil {
		return nil, err
	}
	rows, err := res.AccessResults(ctx)
	if err != nil {
		return nil, err
	}
	return &AccessResult{Rows: rows, Failed: failed.sorted()}, nil
}

// RunErasure masks the collections of tr in erase_after order. retrieved
// holds the access rows per address string; a collection with no entry
// erases nothing. A cyclic erase_after graph fails the whole run before any
// task body executes.
func (s *Scheduler) RunErasure(ctx context.Context, tr *traversal.Traversal, res *task.Resources, retrieved map[string][]rowset.Row) (_ *ErasureResult, err error) {
	ctx, span, start := s.startRun(ctx, res, model.ActionErasure)
	var failed failures
	defer func() { endRun(ctx, span, start, failed.sorted(), err) }()

	eg, err := tr.ErasureGraph()
	if err != nil {
		return nil, err
	}

	tg := make(taskGraph[int], len(tr.Nodes))
	tg[graph.RootAddress] = step[int]{fn: func(context.Context, []int) int { return 0 }}
	tg[graph.TerminatorAddress] = step[int]{
		fn:   func(context.Context, []int) int { return 0 },
		deps: eg.Upstream[graph.TerminatorAddress],
	}
	for _, addr := range tr.Addresses() {
		node := tr.Nodes[addr]
		deps := eg.Upstream[addr]
		n, ok, err := res.CachedErasureCount(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("read cached erasure count of %s: %w", addr, err)
		}
		if ok {
			tg[addr] = step[int]{fn: func(context.Context, []int) int { return n }, deps: deps}
			continue
		}
		gt := task.NewGraphTask(node, res, s.taskOpts...)
		rows := retrieved[addr.String()]
		tg[addr] = step[int]{
			deps: deps,
			fn: func(ctx context.Context, upstream []int) int {
				n, err := gt.ErasureRequest(ctx, rows, upstream...)
				if err != nil && !task.IsSkipped(err) {
					failed.add(gt.Node.Address)
				}
				return n
			},
		}
	}

	if _, err := evaluate(ctx, s.cfg.Workers, tg); err != nil {
		return nil, err
	}
	counts, err := res.ErasureCounts(ctx)
	if err != nil {
		return nil, err
	}
	return &ErasureResult{Counts: counts, Failed: failed.sorted()}, nil
}

// RunConsent propagates consent once per traversed dataset.
func (s *Scheduler) RunConsent(ctx context.Context, tr *traversal.Traversal, res *task.Resources) (_ *ConsentResult, err error) {
	ctx, span, start := s.startRun(ctx, res, model.ActionConsent)
	var failed failures
	defer func() { endRun(ctx, span, start, failed.sorted(), err) }()

	nodes := tr.ConsentNodes()
	tg := make(taskGraph[bool], len(nodes))
	sent := make(map[string]bool)
	var mu sync.Mutex
	for addr, node := range nodes {
		if addr.IsSynthetic() {
			tg[addr] = step[bool]{fn: func(context.Context, []bool) bool { return false }, deps: node.Upstream}
			continue
		}
		v, ok, err := res.CachedConsentResult(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("read cached consent result of %s: %w", addr, err)
		}
		if ok {
			sent[addr.String()] = v
			tg[addr] = step[bool]{fn: func(context.Context, []bool) bool { return v }, deps: node.Upstream}
			continue
		}
		gt := task.NewGraphTask(node, res, s.taskOpts...)
		tg[addr] = step[bool]{
			deps: node.Upstream,
			fn: func(ctx context.Context, _ []bool) bool {
				ok, err := gt.ConsentRequest(ctx)
				if err != nil && !task.IsSkipped(err) {
					failed.add(gt.Node.Address)
				}
				mu.Lock()
				sent[gt.Node.Address.String()] = ok
				mu.Unlock()
				return ok
			},
		}
	}

	if _, err := evaluate(ctx, s.cfg.Workers, tg); err != nil {
		return nil, err
	}
	return &ConsentResult{Sent: sent, Failed: failed.sorted()}, nil
}

// Result is the combined output of Run.
type Result struct {
	Access  *AccessResult
	Erasure *ErasureResult
	Consent *ConsentResult
}

// Failed returns every failed collection across phases, sorted.
func (r *Result) Failed() []string {
	var out []string
	if r.Access != nil {
		out = append(out, graph.AddressStrings(r.Access.Failed)...)
	}
	if r.Erasure != nil {
		out = append(out, graph.AddressStrings(r.Erasure.Failed)...)
	}
	if r.Consent != nil {
		out = append(out, graph.AddressStrings(r.Consent.Failed)...)
	}
	sort.Strings(out)
	return out
}

// Run executes the phases the policy has rules for: access, then erasure
// over the rows access retrieved, then consent. Access always runs since
// erasure needs its rows.
func (s *Scheduler) Run(ctx context.Context, tr *traversal.Traversal, res *task.Resources) (*Result, error) {
	out := &Result{}
	var err error
	if out.Access, err = s.RunAccess(ctx, tr, res); err != nil {
		return out, err
	}
	if res.Policy.HasRulesFor(model.ActionErasure) {
		if out.Erasure, err = s.RunErasure(ctx, tr, res, out.Access.Rows); err != nil {
			return out, err
		}
	}
	if res.Policy.HasRulesFor(model.ActionConsent) {
		if out.Consent, err = s.RunConsent(ctx, tr, res); err != nil {
			return out, err
		}
	}
	return out, nil
}
