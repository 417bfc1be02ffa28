package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/payload"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/store"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/traversal"
)

// taskSet indexes the tasks of one action type by collection address.
type taskSet map[graph.CollectionAddress]*model.RequestTask

func (e *Engine) loadTaskSet(ctx context.Context, prID string, action model.ActionType) (taskSet, error) {
	tasks, err := e.store.ListTasks(ctx, prID, action)
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", action, err)
	}
	set := make(taskSet, len(tasks))
	for _, t := range tasks {
		set[t.CollectionAddress] = t
	}
	return set, nil
}

// upstreamComplete reports whether every upstream task of t is completed.
// It returns the first address that is not.
func (s taskSet) upstreamComplete(t *model.RequestTask) (graph.CollectionAddress, bool) {
	for _, up := range t.UpstreamTasks {
		u, ok := s[up]
		if !ok || !u.Status.IsCompleted() {
			return up, false
		}
	}
	return graph.CollectionAddress{}, true
}

// ProcessTask runs one delivery of a queued task: admission checks, then the
// task body, then completion fan-out.
//
// A delivery that fails admission (request not runnable, task already
// finished, upstream incomplete, lease held) returns nil without changing
// anything; the task is queued again when its state allows it to run.
func (e *Engine) ProcessTask(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "engine.ProcessTask", trace.WithAttributes(attribute.String("dsr.task_id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	t, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return newNotFoundError(ErrCodeTaskNotFound, "", id)
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	ctx = ctxlog.With(ctx,
		"privacy_request_id", t.PrivacyRequestID,
		"collection", t.CollectionAddress.String(),
		"action", string(t.ActionType),
	)
	span.SetAttributes(
		attribute.String("dsr.collection", t.CollectionAddress.String()),
		attribute.String("dsr.action", string(t.ActionType)),
	)

	pr, err := e.store.GetPrivacyRequest(ctx, t.PrivacyRequestID)
	if errors.Is(err, store.ErrNotFound) {
		return newNotFoundError(ErrCodeRequestNotFound, t.PrivacyRequestID, id)
	}
	if err != nil {
		return fmt.Errorf("load privacy request %s: %w", t.PrivacyRequestID, err)
	}

	set, ok, err := e.admit(ctx, pr, t)
	if err != nil || !ok {
		return err
	}

	switch {
	case t.IsRootTask:
		return e.finishRoot(ctx, pr, t)
	case t.IsTerminatorTask:
		return e.finishTerminator(ctx, pr, t)
	}
	return e.execute(ctx, pr, t, set)
}

// admit runs the prerequisite checks of one delivery. It returns the task's
// sibling set when the task may run.
func (e *Engine) admit(ctx context.Context, pr *model.PrivacyRequest, t *model.RequestTask) (taskSet, bool, error) {
	logger := ctxlog.FromContext(ctx)

	if !pr.Status.IsRunnable() {
		logger.Info("privacy request not runnable, task not admitted", "request_status", string(pr.Status))
		recordRefused(ctx, "request_status")
		return nil, false, nil
	}
	if model.StepFor(t.ActionType) != pr.CurrentStep {
		logger.Info("task belongs to another step, not admitted", "current_step", string(pr.CurrentStep))
		recordRefused(ctx, "step")
		return nil, false, nil
	}
	if t.Status.IsTerminal() {
		logger.Debug("task already finished", "status", string(t.Status))
		recordRefused(ctx, "finished")
		return nil, false, nil
	}
	if t.Status.IsRunning() && !t.LeaseExpired(e.now()) {
		logger.Debug("task leased by another worker", "lease_owner", t.LeaseOwner, "lease_expires_at", t.LeaseExpiresAt)
		recordRefused(ctx, "leased")
		return nil, false, nil
	}

	set, err := e.loadTaskSet(ctx, pr.ID, t.ActionType)
	if err != nil {
		return nil, false, err
	}
	if t.Status == model.StatusPending {
		if up, ok := set.upstreamComplete(t); !ok {
			logger.Debug("upstream task not complete", "upstream", up.String())
			recordRefused(ctx, "upstream")
			return nil, false, nil
		}
	}
	return set, true, nil
}

// finishRoot moves the ROOT task straight to skipped; it has no body. The
// access ROOT stores the identity seed as its output so first-level
// collections read it like any upstream.
func (e *Engine) finishRoot(ctx context.Context, pr *model.PrivacyRequest, t *model.RequestTask) error {
	res := store.TaskResult{Status: model.StatusSkipped}
	if t.ActionType == model.ActionAccess {
		seed := make(rowset.Row, len(pr.Identity))
		for k, v := range pr.Identity {
			seed[k] = v
		}
		ref, err := e.payloads.Pack(ctx, "access", pr.ID, t.CollectionAddress.String(), []rowset.Row{seed})
		if err != nil {
			return fmt.Errorf("store identity seed: %w", err)
		}
		res.AccessData, res.AccessDataKey = ref.Inline, ref.Key
	}
	if _, err := e.store.FinishTask(ctx, t.ID, "", res, e.now()); err != nil {
		return fmt.Errorf("finish root task: %w", err)
	}
	ctxlog.FromContext(ctx).Debug("root task done")
	return e.queueDownstream(ctx, pr, t)
}

// finishTerminator marks the TERMINATOR task complete. Several completing
// paths may deliver it; only the delivery whose commit moves the row out of
// pending advances the request.
func (e *Engine) finishTerminator(ctx context.Context, pr *model.PrivacyRequest, t *model.RequestTask) error {
	first, err := e.store.FinishTask(ctx, t.ID, "", store.TaskResult{Status: model.StatusComplete}, e.now())
	if err != nil {
		return fmt.Errorf("finish terminator task: %w", err)
	}
	if !first {
		ctxlog.FromContext(ctx).Debug("terminator already reached")
		return nil
	}
	return e.advance(ctx, pr.ID, t.ActionType)
}

// execute claims a collection task, runs its body and commits the result.
func (e *Engine) execute(ctx context.Context, pr *model.PrivacyRequest, t *model.RequestTask, set taskSet) error {
	logger := ctxlog.FromContext(ctx)

	p, err := e.policy(pr.PolicyKey)
	if err != nil {
		return err
	}
	node, err := traversal.NodeFromRequestTask(t)
	if err != nil {
		return e.failHydration(ctx, pr, t, err)
	}

	claimed, ok, err := e.store.ClaimTask(ctx, t.ID, e.cfg.WorkerID, e.now(), e.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if !ok {
		logger.Debug("task claimed by another worker")
		recordRefused(ctx, "leased")
		return nil
	}
	if claimed.Attempts > 1 {
		logger.Info("recovering task from an expired lease", "attempts", claimed.Attempts)
	}

	res := task.NewResources(pr.ID, p, e.factory, e.cache, e.store,
		task.WithCacheTTL(e.cfg.CacheTTL),
		task.WithObserver(e.metrics),
		task.WithClock(e.now),
		task.WithIdentity(pr.Identity),
	)
	defer func() {
		if cerr := res.Close(); cerr != nil {
			logger.Warn("closing task resources", "error", cerr)
		}
	}()

	opts := append(append([]task.Option(nil), e.taskOpts...), task.WithStatusHook(e.statusHook(t.ID)))
	gt := task.NewGraphTask(node, res, opts...)

	result, err := e.runBody(ctx, pr, claimed, gt, set)
	if err != nil {
		// The lease stays in place; the task is recovered once it expires.
		return err
	}

	committed, err := e.store.FinishTask(ctx, t.ID, e.cfg.WorkerID, result, e.now())
	if err != nil {
		return fmt.Errorf("commit task result: %w", err)
	}
	if !committed {
		logger.Warn("lease lost before commit, result discarded", "status", string(result.Status))
		if result.AccessDataKey != "" {
			if derr := e.payloads.Discard(ctx, payload.Ref{Key: result.AccessDataKey}); derr != nil {
				logger.Warn("discarding orphaned payload", "key", result.AccessDataKey, "error", derr)
			}
		}
		return nil
	}
	logger.Debug("task committed", "status", string(result.Status))
	return e.afterFinish(ctx, pr, t, result.Status)
}

// statusHook mirrors intermediate statuses onto the row and extends the
// lease. Terminal statuses are written by FinishTask together with the
// result.
func (e *Engine) statusHook(id string) task.StatusFunc {
	return func(ctx context.Context, status model.TaskStatus) error {
		if !status.IsRunning() {
			return nil
		}
		ok, err := e.store.UpdateTaskStatus(ctx, id, e.cfg.WorkerID, status, e.now().Add(e.cfg.LeaseTTL))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("task lease lost")
		}
		return nil
	}
}

func bodyStatus(err error) model.TaskStatus {
	switch {
	case err == nil:
		return model.StatusComplete
	case task.IsSkipped(err):
		return model.StatusSkipped
	}
	return model.StatusError
}

// runBody runs the task body for t's action, unless an earlier attempt
// already cached its result. The cache write inside the body precedes the
// row commit, so a cached result means the body ran to completion and only
// the commit was lost.
func (e *Engine) runBody(ctx context.Context, pr *model.PrivacyRequest, t *model.RequestTask, gt *task.GraphTask, set taskSet) (store.TaskResult, error) {
	logger := ctxlog.FromContext(ctx)
	res := gt.Resources
	addr := t.CollectionAddress

	switch t.ActionType {
	case model.ActionAccess:
		rows, cached, err := res.CachedAccessResult(ctx, addr)
		if err != nil {
			return store.TaskResult{}, fmt.Errorf("read cached result: %w", err)
		}
		status := model.StatusComplete
		if cached {
			logger.Info("result cached by an earlier attempt, body not rerun", "rows", len(rows))
			skipped, err := res.WasSkipped(ctx, model.ActionAccess, addr)
			if err != nil {
				return store.TaskResult{}, fmt.Errorf("read cached skip marker: %w", err)
			}
			if skipped {
				status = model.StatusSkipped
			}
		} else {
			inputs, err := e.upstreamRows(ctx, gt.Node, set)
			if err != nil {
				return store.TaskResult{}, err
			}
			rows, err = gt.AccessRequest(ctx, inputs...)
			status = bodyStatus(err)
		}
		if status == model.StatusError {
			return store.TaskResult{Status: status}, nil
		}
		ref, err := e.payloads.Pack(ctx, "access", pr.ID, addr.String(), rows)
		if err != nil {
			logger.Error("storing access result failed", "error", err, "codec", errors.Is(err, payload.ErrCodec))
			return store.TaskResult{Status: model.StatusError}, nil
		}
		return store.TaskResult{Status: status, AccessData: ref.Inline, AccessDataKey: ref.Key}, nil

	case model.ActionErasure:
		n, cached, err := res.CachedErasureCount(ctx, addr)
		if err != nil {
			return store.TaskResult{}, fmt.Errorf("read cached erasure count: %w", err)
		}
		status := model.StatusComplete
		if cached {
			logger.Info("erasure count cached by an earlier attempt, body not rerun", "rows_masked", n)
		} else {
			retrieved, err := e.retrievedRows(ctx, pr.ID, addr)
			if err != nil {
				return store.TaskResult{}, err
			}
			n, err = gt.ErasureRequest(ctx, retrieved, upstreamCounts(t, set)...)
			status = bodyStatus(err)
		}
		return store.TaskResult{Status: status, RowsMasked: &n}, nil

	case model.ActionConsent:
		sent, cached, err := res.CachedConsentResult(ctx, addr)
		if err != nil {
			return store.TaskResult{}, fmt.Errorf("read cached consent result: %w", err)
		}
		status := model.StatusComplete
		if cached {
			logger.Info("consent result cached by an earlier attempt, body not rerun")
		} else {
			sent, err = gt.ConsentRequest(ctx)
			status = bodyStatus(err)
		}
		return store.TaskResult{Status: status, ConsentSent: &sent}, nil
	}
	return store.TaskResult{}, fmt.Errorf("unknown action type %q", t.ActionType)
}

// upstreamRows loads one rowset per input key, in input-key order. An input
// without a completed task or a stored result contributes an empty rowset.
func (e *Engine) upstreamRows(ctx context.Context, node *traversal.TraversalNode, set taskSet) ([][]rowset.Row, error) {
	out := make([][]rowset.Row, len(node.Upstream))
	for i, key := range node.Upstream {
		out[i] = []rowset.Row{}
		u, ok := set[key]
		if !ok || !u.Status.IsCompleted() || !u.HasPayload() {
			continue
		}
		rows, err := e.payloads.Unpack(ctx, payload.Ref{Inline: u.AccessData, Key: u.AccessDataKey})
		if err != nil {
			return nil, fmt.Errorf("load upstream result %s: %w", key, err)
		}
		out[i] = rows
	}
	return out, nil
}

// retrievedRows loads the rows the access phase returned for addr.
func (e *Engine) retrievedRows(ctx context.Context, prID string, addr graph.CollectionAddress) ([]rowset.Row, error) {
	at, err := e.store.GetTask(ctx, model.TaskID(prID, addr, model.ActionAccess))
	if errors.Is(err, store.ErrNotFound) {
		return []rowset.Row{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load access task of %s: %w", addr, err)
	}
	if !at.HasPayload() {
		return []rowset.Row{}, nil
	}
	rows, err := e.payloads.Unpack(ctx, payload.Ref{Inline: at.AccessData, Key: at.AccessDataKey})
	if err != nil {
		return nil, fmt.Errorf("load access result of %s: %w", addr, err)
	}
	return rows, nil
}

// upstreamCounts returns the masked-row counts of t's erasure upstreams.
func upstreamCounts(t *model.RequestTask, set taskSet) []int {
	var out []int
	for _, up := range t.UpstreamTasks {
		if u, ok := set[up]; ok && !up.IsSynthetic() && u.RowsMasked != nil {
			out = append(out, *u.RowsMasked)
		}
	}
	return out
}
