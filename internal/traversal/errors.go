package traversal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/dsr/internal/graph"
)

// ErrorCode categorizes traversal failures.
type ErrorCode string

const (
	// ErrCodeUnreachable means some collections cannot be reached from the
	// identity seed.
	ErrCodeUnreachable ErrorCode = "UNREACHABLE_NODES"

	// ErrCodeErasureCycle means the erase_after constraints are contradictory.
	ErrCodeErasureCycle ErrorCode = "ERASURE_CYCLE"

	// ErrCodeNoIdentity means the seed carried no usable identity value.
	ErrCodeNoIdentity ErrorCode = "NO_IDENTITY"
)

// TraversalError is a validation failure of the graph for one identity seed.
// It is never retryable.
type TraversalError struct {
	Code    ErrorCode
	Message string

	// Collections names the offending collections: every unreachable node,
	// or the members of one erasure cycle in cycle order.
	Collections []graph.CollectionAddress
}

// Error implements the error interface.
func (e *TraversalError) Error() string {
	if len(e.Collections) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, strings.Join(graph.AddressStrings(e.Collections), ", "))
}

// IsUnreachable reports whether err is an unreachable-nodes traversal error.
func IsUnreachable(err error) bool {
	var te *TraversalError
	return errors.As(err, &te) && te.Code == ErrCodeUnreachable
}

// IsCycle reports whether err is an erasure-cycle traversal error.
func IsCycle(err error) bool {
	var te *TraversalError
	return errors.As(err, &te) && te.Code == ErrCodeErasureCycle
}

func newUnreachableError(addrs []graph.CollectionAddress) *TraversalError {
	return &TraversalError{
		Code:        ErrCodeUnreachable,
		Message:     "some nodes were not reachable",
		Collections: addrs,
	}
}

func newCycleError(cycle []graph.CollectionAddress) *TraversalError {
	return &TraversalError{
		Code:        ErrCodeErasureCycle,
		Message:     "the values for erase_after form a cycle",
		Collections: cycle,
	}
}
