// Package model defines the persisted records of the DSR engine: privacy
// requests, their per-collection request tasks, and the append-only
// execution log.
package model

import "fmt"

// ActionType is the kind of work a task performs.
type ActionType string

const (
	ActionAccess  ActionType = "access"
	ActionErasure ActionType = "erasure"
	ActionConsent ActionType = "consent"
)

// ParseActionType validates s.
func ParseActionType(s string) (ActionType, error) {
	switch a := ActionType(s); a {
	case ActionAccess, ActionErasure, ActionConsent:
		return a, nil
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// TaskStatus is the state of one RequestTask (and of one execution log row).
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusInProcessing TaskStatus = "in_processing"
	StatusRetrying     TaskStatus = "retrying"
	StatusComplete     TaskStatus = "complete"
	StatusError        TaskStatus = "error"
	StatusSkipped      TaskStatus = "skipped"
)

// IsCompleted reports whether downstream tasks may treat s as done.
// Skipped is a terminal alias of complete.
func (s TaskStatus) IsCompleted() bool {
	return s == StatusComplete || s == StatusSkipped
}

// IsTerminal reports whether s can no longer change.
func (s TaskStatus) IsTerminal() bool {
	return s.IsCompleted() || s == StatusError
}

// IsRunning reports whether a worker holds (or held) the task.
func (s TaskStatus) IsRunning() bool {
	return s == StatusInProcessing || s == StatusRetrying
}

// statusRank orders task statuses so transitions can be checked for
// monotonicity. retrying and in_processing share a rank: a task may bounce
// between them.
var statusRank = map[TaskStatus]int{
	StatusPending:      0,
	StatusInProcessing: 1,
	StatusRetrying:     1,
	StatusComplete:     2,
	StatusError:        2,
	StatusSkipped:      2,
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to TaskStatus) bool {
	rf, okf := statusRank[from]
	rt, okt := statusRank[to]
	if !okf || !okt || from.IsTerminal() {
		return false
	}
	if from == to {
		return from.IsRunning()
	}
	return rt >= rf
}

// RequestStatus is the lifecycle state of a privacy request.
type RequestStatus string

const (
	RequestPending      RequestStatus = "pending"
	RequestInProcessing RequestStatus = "in_processing"
	RequestPaused       RequestStatus = "paused"
	RequestComplete     RequestStatus = "complete"
	RequestError        RequestStatus = "error"
)

// IsRunnable reports whether tasks of a request in status s may be admitted.
func (s RequestStatus) IsRunnable() bool {
	return s == RequestPending || s == RequestInProcessing
}

// Step is the lifecycle phase a privacy request is in.
type Step string

const (
	StepAccess   Step = "access"
	StepErasure  Step = "erasure"
	StepConsent  Step = "consent"
	StepFinished Step = "finished"
)

// Steps lists the phases in execution order.
var Steps = []Step{StepAccess, StepErasure, StepConsent, StepFinished}

// Action returns the task action a step runs, or "" for StepFinished.
func (s Step) Action() ActionType {
	switch s {
	case StepAccess:
		return ActionAccess
	case StepErasure:
		return ActionErasure
	case StepConsent:
		return ActionConsent
	}
	return ""
}

// Next returns the step after s.
func (s Step) Next() Step {
	for i, st := range Steps {
		if st == s && i+1 < len(Steps) {
			return Steps[i+1]
		}
	}
	return StepFinished
}

// StepFor returns the step that runs action a.
func StepFor(a ActionType) Step {
	switch a {
	case ActionAccess:
		return StepAccess
	case ActionErasure:
		return StepErasure
	case ActionConsent:
		return StepConsent
	}
	return StepFinished
}
