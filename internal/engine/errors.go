package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while running a request task.
//
// Runtime errors include:
//   - Hydration failure: the persisted collection snapshot cannot be turned
//     back into an executable node
//   - Missing records: the privacy request or task row was deleted
//   - Unknown policy: the request names a policy the engine was not given
//
// Admission refusals (upstream incomplete, request paused, lease held) are
// not errors: the invocation is dropped and the task is re-queued later.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// PrivacyRequestID identifies the affected request.
	PrivacyRequestID string

	// TaskID identifies the affected task, when there is one.
	TaskID string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeHydrationFailed indicates a task snapshot could not be
	// rebuilt into a traversal node. The task and its descendants are failed.
	ErrCodeHydrationFailed RuntimeErrorCode = "HYDRATION_FAILED"

	// ErrCodeRequestNotFound indicates the privacy request row is gone.
	ErrCodeRequestNotFound RuntimeErrorCode = "REQUEST_NOT_FOUND"

	// ErrCodeTaskNotFound indicates the request task row is gone.
	ErrCodeTaskNotFound RuntimeErrorCode = "TASK_NOT_FOUND"

	// ErrCodeUnknownPolicy indicates the request's policy key is not loaded.
	ErrCodeUnknownPolicy RuntimeErrorCode = "UNKNOWN_POLICY"

	// ErrCodeInvalidState indicates an operation that the request's current
	// status does not allow, such as resuming a request that is not paused.
	ErrCodeInvalidState RuntimeErrorCode = "INVALID_STATE"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s (request=%s, task=%s)", msg, e.PrivacyRequestID, e.TaskID)
	} else if e.PrivacyRequestID != "" {
		msg = fmt.Sprintf("%s (request=%s)", msg, e.PrivacyRequestID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error { return e.Err }

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == code
}

// IsHydrationError reports whether err is a snapshot hydration failure.
func IsHydrationError(err error) bool { return hasCode(err, ErrCodeHydrationFailed) }

// IsNotFound reports whether err is a missing request or task.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeRequestNotFound) || hasCode(err, ErrCodeTaskNotFound)
}

// IsInvalidState reports whether err rejects an operation for the request's
// current status.
func IsInvalidState(err error) bool { return hasCode(err, ErrCodeInvalidState) }

func newHydrationError(prID, taskID string, err error) *RuntimeError {
	return &RuntimeError{
		Code:             ErrCodeHydrationFailed,
		Message:          "collection snapshot cannot be hydrated",
		PrivacyRequestID: prID,
		TaskID:           taskID,
		Err:              err,
	}
}

func newNotFoundError(code RuntimeErrorCode, prID, taskID string) *RuntimeError {
	what := "privacy request"
	if code == ErrCodeTaskNotFound {
		what = "request task"
	}
	return &RuntimeError{
		Code:             code,
		Message:          what + " no longer exists",
		PrivacyRequestID: prID,
		TaskID:           taskID,
	}
}

func newInvalidStateError(prID, msg string) *RuntimeError {
	return &RuntimeError{Code: ErrCodeInvalidState, Message: msg, PrivacyRequestID: prID}
}
