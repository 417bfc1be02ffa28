package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
)

// TaskColumns holds the JSON-encoded snapshot columns of a request task row.
// Collection is empty for ROOT and TERMINATOR.
type TaskColumns struct {
	Upstream    string
	Downstream  string
	Descendants string
	Collection  string
	Traversal   string
}

// EncodeTaskColumns serializes the snapshot parts of t.
func EncodeTaskColumns(t *model.RequestTask) (TaskColumns, error) {
	var cols TaskColumns
	var err error
	if cols.Upstream, err = encodeAddresses(t.UpstreamTasks); err != nil {
		return cols, err
	}
	if cols.Downstream, err = encodeAddresses(t.DownstreamTasks); err != nil {
		return cols, err
	}
	if cols.Descendants, err = encodeAddresses(t.AllDescendantTasks); err != nil {
		return cols, err
	}
	if t.Collection != nil {
		b, err := json.Marshal(t.Collection)
		if err != nil {
			return cols, fmt.Errorf("encode collection snapshot: %w", err)
		}
		cols.Collection = string(b)
	}
	b, err := json.Marshal(t.Traversal)
	if err != nil {
		return cols, fmt.Errorf("encode traversal details: %w", err)
	}
	cols.Traversal = string(b)
	return cols, nil
}

// DecodeInto restores the snapshot parts onto t.
func (c TaskColumns) DecodeInto(t *model.RequestTask) error {
	var err error
	if t.UpstreamTasks, err = decodeAddresses(c.Upstream); err != nil {
		return fmt.Errorf("decode upstream_tasks: %w", err)
	}
	if t.DownstreamTasks, err = decodeAddresses(c.Downstream); err != nil {
		return fmt.Errorf("decode downstream_tasks: %w", err)
	}
	if t.AllDescendantTasks, err = decodeAddresses(c.Descendants); err != nil {
		return fmt.Errorf("decode all_descendant_tasks: %w", err)
	}
	if c.Collection != "" {
		var coll graph.Collection
		if err := json.Unmarshal([]byte(c.Collection), &coll); err != nil {
			return fmt.Errorf("decode collection snapshot: %w", err)
		}
		t.Collection = &coll
	}
	if err := json.Unmarshal([]byte(c.Traversal), &t.Traversal); err != nil {
		return fmt.Errorf("decode traversal details: %w", err)
	}
	return nil
}

// Addresses are stored in their "dataset:collection" string form.
func encodeAddresses(addrs []graph.CollectionAddress) (string, error) {
	b, err := json.Marshal(graph.AddressStrings(addrs))
	if err != nil {
		return "", fmt.Errorf("encode addresses: %w", err)
	}
	return string(b), nil
}

func decodeAddresses(s string) ([]graph.CollectionAddress, error) {
	var strs []string
	if err := json.Unmarshal([]byte(s), &strs); err != nil {
		return nil, err
	}
	if len(strs) == 0 {
		return nil, nil
	}
	out := make([]graph.CollectionAddress, 0, len(strs))
	for _, str := range strs {
		a, err := graph.ParseCollectionAddress(str)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// EncodeIdentity serializes an identity seed.
func EncodeIdentity(identity map[string]string) (string, error) {
	if identity == nil {
		identity = map[string]string{}
	}
	b, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("encode identity: %w", err)
	}
	return string(b), nil
}

// DecodeIdentity reverses EncodeIdentity.
func DecodeIdentity(s string) (map[string]string, error) {
	var identity map[string]string
	if err := json.Unmarshal([]byte(s), &identity); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return identity, nil
}

// EncodeFields serializes an execution log's field manifest.
func EncodeFields(fields []model.FieldAffected) (string, error) {
	if fields == nil {
		fields = []model.FieldAffected{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields_affected: %w", err)
	}
	return string(b), nil
}

// DecodeFields reverses EncodeFields. An empty manifest decodes to nil.
func DecodeFields(s string) ([]model.FieldAffected, error) {
	var fields []model.FieldAffected
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, fmt.Errorf("decode fields_affected: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// ToNanos stores t as unix nanoseconds; the zero time is 0.
func ToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// FromNanos reverses ToNanos.
func FromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
