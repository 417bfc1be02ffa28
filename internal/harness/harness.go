package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/dsr/internal/cache"
	"github.com/roach88/dsr/internal/connector"
	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/dagrun"
	"github.com/roach88/dsr/internal/dataset"
	"github.com/roach88/dsr/internal/engine"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/payload"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/runner"
	"github.com/roach88/dsr/internal/store"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/testutil"
	"github.com/roach88/dsr/internal/traversal"
)

// Scheduler names.
const (
	SchedulerMemory = "memory"
	SchedulerQueue  = "queue"
)

// Schedulers lists every scheduler a scenario can run on.
var Schedulers = []string{SchedulerMemory, SchedulerQueue}

// Epoch is the start of the deterministic clock every run uses.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// RequestID returns the fixed privacy request ID of a scenario's run.
func RequestID(s *Scenario) string { return "pr-" + s.Name }

// Harness is one isolated run environment: a fresh in-memory store and
// cache, and an in-memory connector holding the scenario's rows.
type Harness struct {
	store  *store.Store
	cache  *cache.Memory
	mem    *connector.Memory
	conn   *testutil.FaultyConnector
	clock  *testutil.ManualClock
	logger *slog.Logger
}

// Run executes a scenario on one scheduler and returns the result.
//
// Each run starts from fresh state, so a scenario's fixtures are never
// observed masked by an earlier run. The returned error reports a scenario
// that could not run at all; expectation and assertion failures are
// recorded on the Result instead.
func Run(ctx context.Context, scenario *Scenario, scheduler string) (*Result, error) {
	if !slices.Contains(Schedulers, scheduler) {
		return nil, fmt.Errorf("unknown scheduler %q", scheduler)
	}

	datasets, err := dataset.LoadDir(scenario.Datasets)
	if err != nil {
		return nil, fmt.Errorf("failed to load datasets: %w", err)
	}
	g, err := graph.NewDatasetGraph(datasets...)
	if err != nil {
		return nil, fmt.Errorf("failed to build dataset graph: %w", err)
	}
	tr, err := traversal.New(g, scenario.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to traverse dataset graph: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(st, scenario)
	ctx = ctxlog.WithLogger(ctx, h.logger)

	p := scenario.Policy
	r := h.runner(scheduler, RequestID(scenario), &p, task.RetryPolicy{Count: scenario.Retries})
	out, runErr := r.Run(ctx, tr, &p)
	if out == nil {
		return nil, fmt.Errorf("failed to run privacy request: %w", runErr)
	}

	result := NewResult(scenario.Name, scheduler)
	result.Retrieved = out.Access
	result.Snapshot = Snapshot{
		Status:  out.Status,
		Access:  out.Filtered(g, &p),
		Erasure: out.Erasure,
		Consent: out.Consent,
		Failed:  out.Failed,
	}
	if result.Snapshot.Failed == nil {
		result.Snapshot.Failed = []string{}
	}

	if out.Status != scenario.Expect.Status {
		msg := fmt.Sprintf("expected status %s, got %s", scenario.Expect.Status, out.Status)
		if runErr != nil {
			msg += ": " + runErr.Error()
		}
		result.AddError(msg)
	}
	if scenario.Expect.Failed != nil && !slices.Equal(scenario.Expect.Failed, result.Snapshot.Failed) {
		result.AddError(fmt.Sprintf("expected failed tasks %v, got %v", scenario.Expect.Failed, result.Snapshot.Failed))
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.mem) {
		result.AddError(msg)
	}
	return result, nil
}

// RunAll executes a scenario on every scheduler.
func RunAll(ctx context.Context, scenario *Scenario) ([]*Result, error) {
	results := make([]*Result, 0, len(Schedulers))
	for _, s := range Schedulers {
		r, err := Run(ctx, scenario, s)
		if err != nil {
			return results, fmt.Errorf("%s scheduler: %w", s, err)
		}
		results = append(results, r)
	}
	return results, nil
}

func newHarness(st *store.Store, scenario *Scenario) *Harness {
	mem := connector.NewMemory(scenario.fixtures(), connector.MemoryOptions{Consent: scenario.Consent})
	conn := testutil.NewFaultyConnector(mem)
	for _, f := range scenario.Faults {
		// Addresses were checked when the scenario was loaded.
		addr, _ := graph.ParseCollectionAddress(f.Collection)
		switch f.Action {
		case FaultRetrieve:
			conn.FailRetrieve(addr, f.Times)
		case FaultMask:
			conn.FailMask(addr, f.Times)
		}
	}
	return &Harness{
		store:  st,
		cache:  cache.NewMemory(),
		mem:    mem,
		conn:   conn,
		clock:  testutil.NewManualClock(Epoch),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

// runner builds the named scheduler over the harness state. The request
// gets the fixed ID prID.
func (h *Harness) runner(scheduler, prID string, p *policy.Policy, retry task.RetryPolicy) runner.Runner {
	ids := model.NewFixedGenerator(prID)
	factory := testutil.Factory(h.conn)

	if scheduler == SchedulerMemory {
		return &runner.Memory{
			Scheduler: dagrun.New(dagrun.Config{Workers: 2},
				task.WithRetryPolicy(retry),
				task.WithSleep(noSleep),
			),
			Factory:   factory,
			Cache:     h.cache,
			Store:     h.store,
			IDs:       ids,
			Now:       h.clock.Now,
			Resources: []task.ResourcesOption{task.WithClock(h.clock.Now)},
		}
	}

	payloads := payload.NewManager(payload.NewMemoryStorage(), payload.NewRandomCipher(), 0).WithClock(h.clock.Now)
	eng := engine.New(h.store, h.cache, payloads, factory, []*policy.Policy{p},
		engine.Config{
			Workers:  2,
			LeaseTTL: time.Minute,
			Retry:    retry,
			WorkerID: "harness",
		},
		engine.WithClock(h.clock.Now),
		engine.WithIDGenerator(ids),
		engine.WithTaskOptions(task.WithSleep(noSleep)),
	)
	return &runner.Queue{Engine: eng}
}
