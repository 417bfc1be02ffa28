package engine

import (
	"context"
	"fmt"

	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
)

// afterFinish propagates a committed task outcome.
//
// A completed task queues every downstream task it unblocked. A failed task
// fails its descendants so they never wait on it; unrelated branches keep
// running. Either way the request settles once nothing is left to run.
func (e *Engine) afterFinish(ctx context.Context, pr *model.PrivacyRequest, t *model.RequestTask, status model.TaskStatus) error {
	if status.IsCompleted() {
		if err := e.queueDownstream(ctx, pr, t); err != nil {
			return err
		}
	} else {
		var addrs []graph.CollectionAddress
		for _, d := range t.AllDescendantTasks {
			if !d.IsTerminator() {
				addrs = append(addrs, d)
			}
		}
		if len(addrs) > 0 {
			n, err := e.store.MarkTasksError(ctx, pr.ID, t.ActionType, addrs, e.now())
			if err != nil {
				return fmt.Errorf("fail descendants: %w", err)
			}
			ctxlog.FromContext(ctx).Info("descendants failed with upstream", "count", n)
		}
	}
	return e.settle(ctx, pr, t.ActionType)
}

// queueDownstream queues each pending downstream task of t whose upstream
// tasks are all completed.
func (e *Engine) queueDownstream(ctx context.Context, pr *model.PrivacyRequest, t *model.RequestTask) error {
	set, err := e.loadTaskSet(ctx, pr.ID, t.ActionType)
	if err != nil {
		return err
	}
	for _, addr := range t.DownstreamTasks {
		d, ok := set[addr]
		if !ok || d.Status != model.StatusPending {
			continue
		}
		if _, ready := set.upstreamComplete(d); ready {
			e.enqueue(ctx, d.ID)
		}
	}
	return nil
}

// settle fails the request once every collection task of action is terminal
// and at least one failed. The TERMINATOR is never reachable in that case.
// Exactly one caller wins the TERMINATOR transition and fails the request.
func (e *Engine) settle(ctx context.Context, pr *model.PrivacyRequest, action model.ActionType) error {
	set, err := e.loadTaskSet(ctx, pr.ID, action)
	if err != nil {
		return err
	}
	var failed []string
	for addr, t := range set {
		if addr.IsTerminator() {
			continue
		}
		if !t.Status.IsTerminal() {
			return nil
		}
		if t.Status == model.StatusError {
			failed = append(failed, addr.String())
		}
	}
	if len(failed) == 0 {
		return nil
	}

	n, err := e.store.MarkTasksError(ctx, pr.ID, action, []graph.CollectionAddress{graph.TerminatorAddress}, e.now())
	if err != nil {
		return fmt.Errorf("fail terminator: %w", err)
	}
	if n == 0 {
		return nil
	}
	return e.failRequest(ctx, pr.ID, fmt.Sprintf("%d %s task(s) failed", len(failed), action))
}

// advance moves the request past the step that runs action. The next step
// with rules in the request's policy becomes current and its ROOT task is
// queued; with no such step the request completes.
func (e *Engine) advance(ctx context.Context, prID string, action model.ActionType) error {
	logger := ctxlog.FromContext(ctx)

	pr, err := e.store.GetPrivacyRequest(ctx, prID)
	if err != nil {
		return fmt.Errorf("reload privacy request: %w", err)
	}
	if pr.CurrentStep != model.StepFor(action) {
		logger.Debug("step already advanced", "current_step", string(pr.CurrentStep))
		return nil
	}
	p, err := e.policy(pr.PolicyKey)
	if err != nil {
		return err
	}

	next := pr.CurrentStep.Next()
	for next != model.StepFinished && !p.HasRulesFor(next.Action()) {
		next = next.Next()
	}

	now := e.now().UTC()
	pr.CurrentStep = next
	pr.UpdatedAt = now
	if next == model.StepFinished {
		pr.Status = model.RequestComplete
		pr.FinishedAt = &now
		if err := e.store.SavePrivacyRequest(ctx, pr); err != nil {
			return fmt.Errorf("complete privacy request: %w", err)
		}
		e.metrics.ObserveRequest(pr.Status)
		recordFinished(ctx, string(pr.Status))
		logger.Info("privacy request complete")
		return nil
	}

	if err := e.store.SavePrivacyRequest(ctx, pr); err != nil {
		return fmt.Errorf("advance privacy request: %w", err)
	}
	logger.Info("privacy request advanced", "step", string(next))
	if pr.Status.IsRunnable() {
		e.enqueue(ctx, model.TaskID(pr.ID, graph.RootAddress, next.Action()))
	}
	return nil
}

// failRequest moves a request that is not yet final into error status.
func (e *Engine) failRequest(ctx context.Context, prID, msg string) error {
	pr, err := e.store.GetPrivacyRequest(ctx, prID)
	if err != nil {
		return fmt.Errorf("reload privacy request: %w", err)
	}
	if pr.Status == model.RequestComplete || pr.Status == model.RequestError {
		return nil
	}
	now := e.now().UTC()
	pr.Status = model.RequestError
	pr.Message = msg
	pr.UpdatedAt = now
	pr.FinishedAt = &now
	if err := e.store.SavePrivacyRequest(ctx, pr); err != nil {
		return fmt.Errorf("fail privacy request: %w", err)
	}
	e.metrics.ObserveRequest(pr.Status)
	recordFinished(ctx, string(pr.Status))
	ctxlog.FromContext(ctx).Error("privacy request failed", "message", msg)
	return nil
}

// failHydration fails a task whose snapshot cannot be rebuilt, together with
// everything downstream of it, and fails the request.
func (e *Engine) failHydration(ctx context.Context, pr *model.PrivacyRequest, t *model.RequestTask, cause error) error {
	addrs := append([]graph.CollectionAddress{t.CollectionAddress}, t.AllDescendantTasks...)
	if _, err := e.store.MarkTasksError(ctx, pr.ID, t.ActionType, addrs, e.now()); err != nil {
		return fmt.Errorf("fail unhydratable task: %w", err)
	}
	herr := newHydrationError(pr.ID, t.ID, cause)
	if err := e.failRequest(ctx, pr.ID, herr.Error()); err != nil {
		return err
	}
	return herr
}
