// Package runner runs one privacy request end to end through either
// scheduler and reports the outcome in one shape.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/dsr/internal/cache"
	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/dagrun"
	"github.com/roach88/dsr/internal/engine"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/store"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/traversal"
)

// Result is the outcome of one privacy request.
type Result struct {
	PrivacyRequestID string
	Status           model.RequestStatus

	// Access holds the unfiltered rows of each access task, keyed by
	// collection address.
	Access  map[string][]rowset.Row
	Erasure map[string]int
	Consent map[string]bool

	// Failed lists "action dataset:collection" for every errored task.
	Failed []string
}

// Filtered returns the access rows reduced to the fields the policy's
// access rules target.
func (r *Result) Filtered(g *graph.DatasetGraph, p *policy.Policy) map[string][]rowset.Row {
	return policy.FilterAccessResults(r.Access, g.DataCategoryFieldMapping(), p)
}

// Runner executes a privacy request to completion.
type Runner interface {
	Name() string
	Run(ctx context.Context, tr *traversal.Traversal, p *policy.Policy) (*Result, error)
}

var (
	_ Runner = (*Memory)(nil)
	_ Runner = (*Queue)(nil)
)

// Memory runs requests on the in-memory DAG scheduler. Only the request row
// and the execution log are persisted; a request that dies with the
// process starts over.
type Memory struct {
	Scheduler *dagrun.Scheduler
	Factory   task.ConnectorFactory
	Cache     cache.Store
	Store     store.TaskStore

	IDs model.IDGenerator
	Now func() time.Time

	// Resources are applied to every request's task.Resources.
	Resources []task.ResourcesOption
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Run executes every step the policy has rules for.
func (m *Memory) Run(ctx context.Context, tr *traversal.Traversal, p *policy.Policy) (*Result, error) {
	ids := m.IDs
	if ids == nil {
		ids = model.UUIDv7Generator{}
	}
	now := m.now()
	pr := &model.PrivacyRequest{
		ID:          ids.Generate(),
		Status:      model.RequestInProcessing,
		PolicyKey:   p.Key,
		Identity:    tr.Seed,
		CurrentStep: model.StepAccess,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx = ctxlog.With(ctx, "privacy_request_id", pr.ID, "scheduler", m.Name())
	if err := m.Store.CreatePrivacyRequest(ctx, pr); err != nil {
		return nil, err
	}

	opts := append([]task.ResourcesOption{task.WithIdentity(tr.Seed)}, m.Resources...)
	res := task.NewResources(pr.ID, p, m.Factory, m.Cache, m.Store, opts...)
	defer func() {
		if err := res.Close(); err != nil {
			ctxlog.FromContext(ctx).Warn("closing connectors", "error", err)
		}
	}()

	out, runErr := m.Scheduler.Run(ctx, tr, res)
	result := &Result{PrivacyRequestID: pr.ID, Status: model.RequestComplete}
	if out != nil {
		if out.Access != nil {
			result.Access = out.Access.Rows
			result.Failed = append(result.Failed, labels(model.ActionAccess, out.Access.Failed)...)
		}
		if out.Erasure != nil {
			result.Erasure = out.Erasure.Counts
			result.Failed = append(result.Failed, labels(model.ActionErasure, out.Erasure.Failed)...)
		}
		if out.Consent != nil {
			result.Consent = out.Consent.Sent
			result.Failed = append(result.Failed, labels(model.ActionConsent, out.Consent.Failed)...)
		}
	}
	sort.Strings(result.Failed)

	finished := m.now()
	pr.UpdatedAt, pr.FinishedAt = finished, &finished
	pr.CurrentStep = model.StepFinished
	switch {
	case runErr != nil:
		pr.Status = model.RequestError
		pr.Message = runErr.Error()
	case len(result.Failed) > 0:
		pr.Status = model.RequestError
		pr.Message = fmt.Sprintf("%d task(s) failed", len(result.Failed))
	default:
		pr.Status = model.RequestComplete
	}
	result.Status = pr.Status
	if err := m.Store.SavePrivacyRequest(ctx, pr); err != nil {
		return result, errors.Join(runErr, err)
	}
	if err := res.ClearCache(ctx); err != nil {
		ctxlog.FromContext(ctx).Warn("clearing task cache", "error", err)
	}
	ctxlog.FromContext(ctx).Info("privacy request finished", "status", string(pr.Status), "failed", len(result.Failed))
	return result, runErr
}

func labels(action model.ActionType, addrs []graph.CollectionAddress) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, string(action)+" "+a.String())
	}
	return out
}

// Queue runs requests on the persisted queued scheduler in this process,
// draining the queue before returning.
type Queue struct {
	Engine *engine.Engine
}

func (q *Queue) Name() string { return "queue" }

// Run creates the request and drains the engine until it finishes.
func (q *Queue) Run(ctx context.Context, tr *traversal.Traversal, p *policy.Policy) (*Result, error) {
	pr, err := q.Engine.CreateRequest(ctx, tr, p.Key)
	if err != nil {
		if pr != nil {
			return &Result{PrivacyRequestID: pr.ID, Status: pr.Status}, err
		}
		return nil, err
	}
	if err := q.Engine.Drain(ctx); err != nil {
		return nil, err
	}
	return Collect(ctx, q.Engine, pr.ID)
}

// Collect reads back the outcome of a queued request.
func Collect(ctx context.Context, e *engine.Engine, prID string) (*Result, error) {
	summary, err := e.Summary(ctx, prID)
	if err != nil {
		return nil, err
	}
	result := &Result{
		PrivacyRequestID: prID,
		Status:           summary.Status,
		Failed:           summary.Failed,
	}
	if result.Access, err = e.AccessResults(ctx, prID); err != nil {
		return nil, err
	}
	if result.Erasure, err = e.ErasureCounts(ctx, prID); err != nil {
		return nil, err
	}
	if result.Consent, err = e.ConsentResults(ctx, prID); err != nil {
		return nil, err
	}
	// A step the policy has no rules for has no task set.
	if len(result.Erasure) == 0 {
		result.Erasure = nil
	}
	if len(result.Consent) == 0 {
		result.Consent = nil
	}
	return result, nil
}
