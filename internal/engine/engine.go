package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dsr/internal/cache"
	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/payload"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/store"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/telemetry"
	"github.com/roach88/dsr/internal/traversal"
)

// Config configures an Engine.
type Config struct {
	// Workers is the number of goroutines pulling from the task queue.
	Workers int

	// LeaseTTL bounds how long a crashed worker keeps a task claimed.
	LeaseTTL time.Duration

	// CacheTTL bounds how long cached task results live. Zero keeps them
	// until retention clears them.
	CacheTTL time.Duration

	// Retry is the local retry policy of every connector call.
	Retry task.RetryPolicy

	// WorkerID names this process on task leases and the retention lock.
	// Empty selects a generated ID.
	WorkerID string
}

// DefaultConfig returns four workers, five minute leases and the default
// retry policy.
func DefaultConfig() Config {
	return Config{
		Workers:  4,
		LeaseTTL: 5 * time.Minute,
		Retry:    task.DefaultRetryPolicy(),
	}
}

// Engine is the queued scheduler.
//
// Every RequestTask row is the unit of work. A worker admits a task only
// when its request is runnable and all its upstream tasks are complete,
// claims it under a lease, runs the task body, commits the result and
// queues the downstream tasks that became admissible. The task rows are the
// only shared state, so any number of engines may share one store.
//
// Thread-safety model:
//   - CreateRequest, Pause, Resume, Requeue, Summary: safe from any goroutine
//   - Run, Drain: may run concurrently; they share the in-process queue
type Engine struct {
	cfg      Config
	store    store.TaskStore
	cache    cache.Store
	payloads *payload.Manager
	factory  task.ConnectorFactory
	policies map[string]*policy.Policy

	metrics  *telemetry.Metrics
	ids      model.IDGenerator
	now      func() time.Time
	taskOpts []task.Option

	queue *taskQueue
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUIDv7 privacy request ID generator.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithMetrics records task and request outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTaskOptions appends options to every GraphTask the engine builds.
func WithTaskOptions(opts ...task.Option) Option {
	return func(e *Engine) { e.taskOpts = append(e.taskOpts, opts...) }
}

// New creates an Engine. policies are looked up by key when a request
// names them.
func New(
	s store.TaskStore,
	c cache.Store,
	payloads *payload.Manager,
	factory task.ConnectorFactory,
	policies []*policy.Policy,
	cfg Config,
	opts ...Option,
) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}

	e := &Engine{
		cfg:      cfg,
		store:    s,
		cache:    c,
		payloads: payloads,
		factory:  factory,
		policies: make(map[string]*policy.Policy, len(policies)),
		ids:      model.UUIDv7Generator{},
		now:      time.Now,
		queue:    newTaskQueue(),
	}
	for _, p := range policies {
		e.policies[p.Key] = p
	}
	e.taskOpts = []task.Option{task.WithRetryPolicy(cfg.Retry)}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.WorkerID == "" {
		e.cfg.WorkerID = "worker-" + model.UUIDv7Generator{}.Generate()
	}
	return e
}

// WorkerID returns the lease owner name of this engine.
func (e *Engine) WorkerID() string { return e.cfg.WorkerID }

func (e *Engine) policy(key string) (*policy.Policy, error) {
	p, ok := e.policies[key]
	if !ok {
		return nil, &RuntimeError{Code: ErrCodeUnknownPolicy, Message: fmt.Sprintf("policy %q is not loaded", key)}
	}
	return p, nil
}

// actionsFor lists the task sets a request under p needs. Access always
// runs, since erasure masks the rows access retrieved.
func actionsFor(p *policy.Policy) []model.ActionType {
	actions := []model.ActionType{model.ActionAccess}
	for _, a := range []model.ActionType{model.ActionErasure, model.ActionConsent} {
		if p.HasRulesFor(a) {
			actions = append(actions, a)
		}
	}
	return actions
}

// CreateRequest persists a privacy request for tr under the named policy,
// creates every task set it will need, and queues the access ROOT task.
//
// When a task set cannot be built (an erase_after cycle), the request is
// stored in error status with the diagnostic as its message, no task is
// created, and the error is returned with the request.
func (e *Engine) CreateRequest(ctx context.Context, tr *traversal.Traversal, policyKey string) (*model.PrivacyRequest, error) {
	p, err := e.policy(policyKey)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	pr := &model.PrivacyRequest{
		ID:          e.ids.Generate(),
		Status:      model.RequestPending,
		PolicyKey:   policyKey,
		Identity:    tr.Seed,
		CurrentStep: model.StepAccess,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx = ctxlog.With(ctx, "privacy_request_id", pr.ID)
	logger := ctxlog.FromContext(ctx)

	var tasks []*model.RequestTask
	for _, action := range actionsFor(p) {
		set, err := tr.Tasks(pr.ID, action)
		if err != nil {
			pr.Status = model.RequestError
			pr.Message = err.Error()
			pr.FinishedAt = &now
			if cerr := e.store.CreatePrivacyRequest(ctx, pr); cerr != nil {
				return nil, errors.Join(err, cerr)
			}
			e.metrics.ObserveRequest(pr.Status)
			logger.Error("privacy request rejected", "action", string(action), "error", err)
			return pr, err
		}
		tasks = append(tasks, set...)
	}
	for _, t := range tasks {
		t.CreatedAt, t.UpdatedAt = now, now
	}

	if err := e.store.CreatePrivacyRequest(ctx, pr); err != nil {
		return nil, err
	}
	if err := e.store.CreateTasks(ctx, tasks); err != nil {
		return nil, err
	}
	pr.Status = model.RequestInProcessing
	if err := e.store.SavePrivacyRequest(ctx, pr); err != nil {
		return nil, err
	}

	e.enqueue(ctx, model.TaskID(pr.ID, graph.RootAddress, model.ActionAccess))
	logger.Info("privacy request created", "policy", policyKey, "tasks", len(tasks), "collections", len(tr.Order))
	return pr, nil
}

func (e *Engine) enqueue(ctx context.Context, id string) {
	if !e.queue.Enqueue(id) {
		ctxlog.FromContext(ctx).Warn("queue closed, task not queued", "task_id", id)
		return
	}
	recordQueued(ctx)
}

// Run starts cfg.Workers workers and blocks until ctx is cancelled or Stop
// is called.
func (e *Engine) Run(ctx context.Context) error {
	ctxlog.FromContext(ctx).Info("engine starting", "workers", e.cfg.Workers, "worker_id", e.cfg.WorkerID)
	return e.runWorkers(ctx, false)
}

// Drain runs workers until every queued task, and every task those queue in
// turn, has been processed. It returns immediately when nothing is queued.
func (e *Engine) Drain(ctx context.Context) error {
	return e.runWorkers(ctx, true)
}

// Stop closes the queue. Running workers finish their current task and
// return.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) runWorkers(ctx context.Context, untilIdle bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.work(gctx, untilIdle) })
	}
	return g.Wait()
}

func (e *Engine) work(ctx context.Context, untilIdle bool) error {
	for {
		if id, ok := e.queue.TryDequeue(); ok {
			if err := e.ProcessTask(ctx, id); err != nil {
				ctxlog.FromContext(ctx).Error("task processing failed", "task_id", id, "error", err)
			}
			e.queue.Done()
			continue
		}

		if untilIdle && e.queue.Outstanding() == 0 {
			// Wake the next idle worker so it exits too.
			e.queue.Nudge()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-e.queue.Wait():
			if !ok && e.queue.Len() == 0 {
				return nil
			}
		}
	}
}
