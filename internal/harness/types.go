package harness

import (
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/rowset"
)

// Snapshot is the scheduler-independent outcome of a scenario: the same
// scenario run on either scheduler yields the same snapshot.
type Snapshot struct {
	Status model.RequestStatus `json:"status"`

	// Access holds the policy-filtered access rows per collection address.
	Access  map[string][]rowset.Row `json:"access"`
	Erasure map[string]int          `json:"erasure,omitempty"`
	Consent map[string]bool         `json:"consent,omitempty"`
	Failed  []string                `json:"failed"`
}

// canonical converts the snapshot to the value shapes MarshalCanonical
// accepts. Steps the policy has no rules for are left out.
func (s Snapshot) canonical() map[string]any {
	access := make(map[string]any, len(s.Access))
	for addr, rows := range s.Access {
		access[addr] = rows
	}
	failed := make([]any, len(s.Failed))
	for i, f := range s.Failed {
		failed[i] = f
	}
	out := map[string]any{
		"status": string(s.Status),
		"access": access,
		"failed": failed,
	}
	if s.Erasure != nil {
		erasure := make(map[string]any, len(s.Erasure))
		for addr, n := range s.Erasure {
			erasure[addr] = n
		}
		out["erasure"] = erasure
	}
	if s.Consent != nil {
		consent := make(map[string]any, len(s.Consent))
		for addr, sent := range s.Consent {
			consent[addr] = sent
		}
		out["consent"] = consent
	}
	return out
}

// MarshalCanonical renders the snapshot as one line of canonical JSON,
// newline terminated.
func (s Snapshot) MarshalCanonical() ([]byte, error) {
	b, err := rowset.MarshalCanonical(s.canonical())
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Result is the outcome of one scenario run on one scheduler.
type Result struct {
	Scenario  string `json:"scenario"`
	Scheduler string `json:"scheduler"`

	// Pass is true when the expectations and every assertion held.
	Pass bool `json:"pass"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	Snapshot Snapshot `json:"snapshot"`

	// Retrieved holds the unfiltered access rows per collection address.
	Retrieved map[string][]rowset.Row `json:"-"`
}

// NewResult creates a new passing result.
func NewResult(scenario, scheduler string) *Result {
	return &Result{
		Scenario:  scenario,
		Scheduler: scheduler,
		Pass:      true,
		Errors:    []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
