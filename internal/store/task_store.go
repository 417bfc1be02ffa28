package store

import (
	"context"
	"time"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
)

// TaskStore is the durable state of the queued scheduler. Both the SQLite
// Store and the Postgres store implement it.
//
// Every task transition is conditional on the row's current state, so
// concurrent workers racing on the same row observe a consistent status:
// exactly one of them wins each transition.
type TaskStore interface {
	CreatePrivacyRequest(ctx context.Context, pr *model.PrivacyRequest) error
	GetPrivacyRequest(ctx context.Context, id string) (*model.PrivacyRequest, error)
	SavePrivacyRequest(ctx context.Context, pr *model.PrivacyRequest) error
	ListPrivacyRequests(ctx context.Context, statuses ...model.RequestStatus) ([]*model.PrivacyRequest, error)
	DeletePrivacyRequest(ctx context.Context, id string) error

	// CreateTasks inserts a task set. Rows that already exist are left
	// untouched.
	CreateTasks(ctx context.Context, tasks []*model.RequestTask) error
	GetTask(ctx context.Context, id string) (*model.RequestTask, error)
	ListTasks(ctx context.Context, privacyRequestID string, action model.ActionType) ([]*model.RequestTask, error)

	// ClaimTask moves a pending task, or a running task whose lease expired,
	// to in_processing under a lease held by owner until now+ttl. The bool
	// is false (with the current row) when the task could not be claimed.
	ClaimTask(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*model.RequestTask, bool, error)

	// UpdateTaskStatus records an intermediate status and extends the lease.
	// It only succeeds while owner holds the task.
	UpdateTaskStatus(ctx context.Context, id, owner string, status model.TaskStatus, leaseUntil time.Time) (bool, error)

	// FinishTask writes a terminal status and the task result in one
	// statement and releases the lease. It reports whether this call made
	// the transition; a task already terminal, or leased by someone else,
	// is left alone.
	FinishTask(ctx context.Context, id, owner string, res TaskResult, now time.Time) (bool, error)

	// MarkTasksError fails every non-terminal task of one action type whose
	// address is in addrs, regardless of lease. Returns the rows changed.
	MarkTasksError(ctx context.Context, privacyRequestID string, action model.ActionType, addrs []graph.CollectionAddress, now time.Time) (int, error)

	// ClearTaskPayloads drops the inline results of every task of a privacy
	// request and returns the externalized payload keys they referenced.
	ClearTaskPayloads(ctx context.Context, privacyRequestID string) ([]string, error)

	AppendExecutionLog(ctx context.Context, log *model.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, privacyRequestID string) ([]model.ExecutionLog, error)

	Close() error
}

// TaskResult is what a finished task body leaves behind on its row.
type TaskResult struct {
	Status        model.TaskStatus
	AccessData    []byte
	AccessDataKey string
	RowsMasked    *int
	ConsentSent   *bool
}
