package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/payload"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/store"
)

func (e *Engine) loadRequest(ctx context.Context, prID string) (*model.PrivacyRequest, error) {
	pr, err := e.store.GetPrivacyRequest(ctx, prID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newNotFoundError(ErrCodeRequestNotFound, prID, "")
	}
	if err != nil {
		return nil, fmt.Errorf("load privacy request %s: %w", prID, err)
	}
	return pr, nil
}

// Pause stops admission of the request's tasks. Tasks already running
// finish and commit; nothing downstream of them starts until Resume.
func (e *Engine) Pause(ctx context.Context, prID string) error {
	pr, err := e.loadRequest(ctx, prID)
	if err != nil {
		return err
	}
	if !pr.Status.IsRunnable() {
		return newInvalidStateError(prID, fmt.Sprintf("cannot pause a %s request", pr.Status))
	}
	pr.Status = model.RequestPaused
	pr.UpdatedAt = e.now().UTC()
	if err := e.store.SavePrivacyRequest(ctx, pr); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("privacy request paused", "privacy_request_id", prID, "step", string(pr.CurrentStep))
	return nil
}

// Resume makes a paused request runnable again and queues whatever its
// current step can run.
func (e *Engine) Resume(ctx context.Context, prID string) error {
	pr, err := e.loadRequest(ctx, prID)
	if err != nil {
		return err
	}
	if pr.Status != model.RequestPaused {
		return newInvalidStateError(prID, fmt.Sprintf("cannot resume a %s request", pr.Status))
	}
	pr.Status = model.RequestInProcessing
	pr.UpdatedAt = e.now().UTC()
	if err := e.store.SavePrivacyRequest(ctx, pr); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("privacy request resumed", "privacy_request_id", prID, "step", string(pr.CurrentStep))
	_, err = e.Requeue(ctx, prID)
	return err
}

// Requeue queues every task of the request's current step that can make
// progress: pending tasks whose upstream tasks are complete, and running
// tasks whose lease expired. It returns the number of tasks queued.
//
// Requeue is how a fresh process picks up requests a crashed one left
// behind. Re-delivering a task that is already queued is harmless.
func (e *Engine) Requeue(ctx context.Context, prID string) (int, error) {
	pr, err := e.loadRequest(ctx, prID)
	if err != nil {
		return 0, err
	}
	if !pr.Status.IsRunnable() || pr.CurrentStep == model.StepFinished {
		return 0, nil
	}
	ctx = ctxlog.With(ctx, "privacy_request_id", prID)
	action := pr.CurrentStep.Action()

	set, err := e.loadTaskSet(ctx, prID, action)
	if err != nil {
		return 0, err
	}
	if term, ok := set[graph.TerminatorAddress]; ok && term.Status == model.StatusComplete {
		// The step finished but the process stopped before advancing.
		return 0, e.advance(ctx, prID, action)
	}

	now := e.now()
	var ids []string
	for _, t := range set {
		switch {
		case t.Status == model.StatusPending:
			if _, ready := set.upstreamComplete(t); ready {
				ids = append(ids, t.ID)
			}
		case t.Status.IsRunning() && t.LeaseExpired(now):
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		e.enqueue(ctx, id)
	}
	if len(ids) > 0 {
		ctxlog.FromContext(ctx).Info("privacy request requeued", "step", string(pr.CurrentStep), "tasks", len(ids))
	}
	return len(ids), nil
}

// ResumeAll requeues every pending or in-processing request in the store.
func (e *Engine) ResumeAll(ctx context.Context) (int, error) {
	prs, err := e.store.ListPrivacyRequests(ctx, model.RequestPending, model.RequestInProcessing)
	if err != nil {
		return 0, fmt.Errorf("list runnable requests: %w", err)
	}
	total := 0
	for _, pr := range prs {
		n, err := e.Requeue(ctx, pr.ID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Outcome summarizes how a request's tasks ended.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomePartial    Outcome = "partial"
	OutcomeError      Outcome = "error"
	OutcomeIncomplete Outcome = "incomplete"
)

// Summary is the per-request view of task statuses.
type Summary struct {
	PrivacyRequestID string
	Status           model.RequestStatus
	CurrentStep      model.Step
	Message          string

	// Counts holds the number of collection tasks per action and status.
	Counts map[model.ActionType]map[model.TaskStatus]int

	// Failed and Skipped list "action dataset:collection" entries, sorted.
	Failed  []string
	Skipped []string

	Outcome Outcome
}

// Summary reports the request status and how its collection tasks ended.
// ROOT and TERMINATOR tasks are not counted.
func (e *Engine) Summary(ctx context.Context, prID string) (*Summary, error) {
	pr, err := e.loadRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		PrivacyRequestID: pr.ID,
		Status:           pr.Status,
		CurrentStep:      pr.CurrentStep,
		Message:          pr.Message,
		Counts:           make(map[model.ActionType]map[model.TaskStatus]int),
	}

	pending := false
	for _, action := range []model.ActionType{model.ActionAccess, model.ActionErasure, model.ActionConsent} {
		tasks, err := e.store.ListTasks(ctx, prID, action)
		if err != nil {
			return nil, fmt.Errorf("list %s tasks: %w", action, err)
		}
		for _, t := range tasks {
			if t.CollectionAddress.IsSynthetic() {
				continue
			}
			if s.Counts[action] == nil {
				s.Counts[action] = make(map[model.TaskStatus]int)
			}
			s.Counts[action][t.Status]++
			label := string(action) + " " + t.CollectionAddress.String()
			switch {
			case t.Status == model.StatusError:
				s.Failed = append(s.Failed, label)
			case t.Status == model.StatusSkipped:
				s.Skipped = append(s.Skipped, label)
			case !t.Status.IsTerminal():
				pending = true
			}
		}
	}
	sort.Strings(s.Failed)
	sort.Strings(s.Skipped)

	switch {
	case len(s.Failed) > 0 || pr.Status == model.RequestError:
		s.Outcome = OutcomeError
	case pending || pr.Status != model.RequestComplete:
		s.Outcome = OutcomeIncomplete
	case len(s.Skipped) > 0:
		s.Outcome = OutcomePartial
	default:
		s.Outcome = OutcomeSuccess
	}
	return s, nil
}

// AccessResults returns the rows each completed access task produced, keyed
// by collection address.
func (e *Engine) AccessResults(ctx context.Context, prID string) (map[string][]rowset.Row, error) {
	tasks, err := e.store.ListTasks(ctx, prID, model.ActionAccess)
	if err != nil {
		return nil, fmt.Errorf("list access tasks: %w", err)
	}
	out := make(map[string][]rowset.Row)
	for _, t := range tasks {
		if t.CollectionAddress.IsSynthetic() || t.Status != model.StatusComplete {
			continue
		}
		rows, err := e.payloads.Unpack(ctx, payload.Ref{Inline: t.AccessData, Key: t.AccessDataKey})
		if err != nil {
			return nil, fmt.Errorf("load access result %s: %w", t.CollectionAddress, err)
		}
		out[t.CollectionAddress.String()] = rows
	}
	return out, nil
}

// ErasureCounts returns the masked-row count of each completed erasure task.
func (e *Engine) ErasureCounts(ctx context.Context, prID string) (map[string]int, error) {
	tasks, err := e.store.ListTasks(ctx, prID, model.ActionErasure)
	if err != nil {
		return nil, fmt.Errorf("list erasure tasks: %w", err)
	}
	out := make(map[string]int)
	for _, t := range tasks {
		if t.CollectionAddress.IsSynthetic() || !t.Status.IsCompleted() || t.RowsMasked == nil {
			continue
		}
		out[t.CollectionAddress.String()] = *t.RowsMasked
	}
	return out, nil
}

// ConsentResults reports, for every finished consent task, whether consent
// was propagated.
func (e *Engine) ConsentResults(ctx context.Context, prID string) (map[string]bool, error) {
	tasks, err := e.store.ListTasks(ctx, prID, model.ActionConsent)
	if err != nil {
		return nil, fmt.Errorf("list consent tasks: %w", err)
	}
	out := make(map[string]bool)
	for _, t := range tasks {
		if t.CollectionAddress.IsSynthetic() || !t.Status.IsTerminal() {
			continue
		}
		out[t.CollectionAddress.String()] = t.ConsentSent != nil && *t.ConsentSent
	}
	return out, nil
}
