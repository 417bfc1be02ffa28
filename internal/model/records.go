package model

import (
	"time"

	"github.com/roach88/dsr/internal/graph"
)

// PrivacyRequest is one data subject request moving through its lifecycle.
type PrivacyRequest struct {
	ID          string            `json:"id"`
	Status      RequestStatus     `json:"status"`
	PolicyKey   string            `json:"policy_key"`
	Identity    map[string]string `json:"identity"`
	CurrentStep Step              `json:"current_step"`
	Message     string            `json:"message,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// TraversalDetails is the part of a traversal node a task needs to run
// without access to the live dataset graph.
type TraversalDetails struct {
	ConnectionKey string                    `json:"connection_key"`
	IncomingEdges []graph.Edge              `json:"incoming_edges"`
	OutgoingEdges []graph.Edge              `json:"outgoing_edges"`
	InputKeys     []graph.CollectionAddress `json:"input_keys"`
}

// RequestTask is the unit of work of the queued scheduler: one collection,
// one action type, one privacy request.
type RequestTask struct {
	ID                string                  `json:"id"`
	PrivacyRequestID  string                  `json:"privacy_request_id"`
	CollectionAddress graph.CollectionAddress `json:"collection_address"`
	ActionType        ActionType              `json:"action_type"`
	Status            TaskStatus              `json:"status"`

	UpstreamTasks      []graph.CollectionAddress `json:"upstream_tasks"`
	DownstreamTasks    []graph.CollectionAddress `json:"downstream_tasks"`
	AllDescendantTasks []graph.CollectionAddress `json:"all_descendant_tasks"`

	// Collection is a snapshot of the collection definition taken when the
	// task set was created. Nil for ROOT and TERMINATOR.
	Collection *graph.Collection `json:"collection,omitempty"`
	Traversal  TraversalDetails  `json:"traversal_details"`

	// AccessData holds the encoded output rowset when small enough to keep
	// inline; otherwise AccessDataKey names the externalized object.
	AccessData    []byte `json:"-"`
	AccessDataKey string `json:"access_data_key,omitempty"`

	RowsMasked  *int  `json:"rows_masked,omitempty"`
	ConsentSent *bool `json:"consent_sent,omitempty"`

	IsRootTask       bool `json:"is_root_task"`
	IsTerminatorTask bool `json:"is_terminator_task"`

	Attempts       int       `json:"attempts"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LeaseExpired reports whether the task's claim lapsed as of now.
func (t *RequestTask) LeaseExpired(now time.Time) bool {
	return t.LeaseOwner == "" || !now.Before(t.LeaseExpiresAt)
}

// HasPayload reports whether an access result was recorded.
func (t *RequestTask) HasPayload() bool {
	return len(t.AccessData) > 0 || t.AccessDataKey != ""
}

// FieldAffected is one returned or masked field in an execution log entry.
type FieldAffected struct {
	Path           string   `json:"path"`
	FieldName      string   `json:"field_name"`
	DataCategories []string `json:"data_categories"`
}

// ExecutionLog is one append-only audit record per task status transition.
type ExecutionLog struct {
	ID               int64           `json:"id"`
	PrivacyRequestID string          `json:"privacy_request_id"`
	ConnectionKey    string          `json:"connection_key"`
	DatasetName      string          `json:"dataset_name"`
	CollectionName   string          `json:"collection_name"`
	ActionType       ActionType      `json:"action_type"`
	Status           TaskStatus      `json:"status"`
	Message          string          `json:"message,omitempty"`
	FieldsAffected   []FieldAffected `json:"fields_affected,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
