package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/connector"
	"github.com/roach88/dsr/internal/rowset"
)

func sampleResult() *Result {
	r := NewResult("sample", SchedulerMemory)
	r.Snapshot = Snapshot{
		Status: "complete",
		Access: map[string][]rowset.Row{
			"db:a": {{"email": "a@example.com", "address": map[string]any{"city": "Oslo"}}},
		},
		Erasure: map[string]int{"db:a": 1},
		Consent: map[string]bool{"db:db": true},
		Failed:  []string{},
	}
	r.Retrieved = map[string][]rowset.Row{
		"db:a": {{"id": int64(1), "email": "a@example.com"}},
		"db:b": {{"id": int64(10)}, {"id": int64(11)}},
	}
	return r
}

func sampleMemory() *connector.Memory {
	return connector.NewMemory(connector.Fixtures{
		"db:a": {
			{"id": 1, "email": nil, "name": "Ada"},
			{"id": 2, "email": "b@example.com", "name": "Bob"},
		},
	}, connector.MemoryOptions{})
}

func boolPtr(b bool) *bool { return &b }

func TestEvaluateAssertions_Pass(t *testing.T) {
	assertions := []Assertion{
		{Type: AssertAccessCount, Collection: "db:a", Count: 1},
		{Type: AssertAccessCount, Collection: "db:missing", Count: 0},
		{Type: AssertRetrievedCount, Collection: "db:b", Count: 2},
		{Type: AssertAccessContains, Collection: "db:a", Where: map[string]any{"email": "a@example.com"}},
		{Type: AssertAccessContains, Collection: "db:a", Where: map[string]any{"address.city": "Oslo"}},
		{Type: AssertErasureCount, Collection: "db:a", Count: 1},
		{Type: AssertConsentSent, Collection: "db:db", Sent: boolPtr(true)},
		{Type: AssertMasked, Collection: "db:a", Where: map[string]any{"id": 1}, Field: "email"},
		{Type: AssertMasked, Collection: "db:a", Where: map[string]any{"id": 2}, Field: "email", Value: "b@example.com"},
	}

	errs := EvaluateAssertions(sampleResult(), assertions, sampleMemory())
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      []string
	}{
		{
			name:      "access count",
			assertion: Assertion{Type: AssertAccessCount, Collection: "db:a", Count: 3},
			want:      []string{"access_count on db:a", "Expected: 3 row(s)", "Actual: 1 row(s)", `"email":"a@example.com"`},
		},
		{
			name:      "retrieved count",
			assertion: Assertion{Type: AssertRetrievedCount, Collection: "db:b", Count: 1},
			want:      []string{"retrieved_count on db:b", "Actual: 2 row(s)"},
		},
		{
			name:      "access contains",
			assertion: Assertion{Type: AssertAccessContains, Collection: "db:a", Where: map[string]any{"email": "z@example.com"}},
			want:      []string{`row where email="z@example.com"`, "not found in access results"},
		},
		{
			name:      "erasure count",
			assertion: Assertion{Type: AssertErasureCount, Collection: "db:a", Count: 2},
			want:      []string{"Expected: 2 row(s) masked", "Actual: 1 row(s) masked"},
		},
		{
			name:      "erasure count without task",
			assertion: Assertion{Type: AssertErasureCount, Collection: "db:b", Count: 0},
			want:      []string{"no erasure task"},
		},
		{
			name:      "consent sent",
			assertion: Assertion{Type: AssertConsentSent, Collection: "db:db", Sent: boolPtr(false)},
			want:      []string{"Expected: sent=false", "Actual: sent=true"},
		},
		{
			name:      "consent without task",
			assertion: Assertion{Type: AssertConsentSent, Collection: "other:other", Sent: boolPtr(true)},
			want:      []string{"no consent task"},
		},
		{
			name:      "masked value",
			assertion: Assertion{Type: AssertMasked, Collection: "db:a", Where: map[string]any{"id": 2}, Field: "email"},
			want:      []string{"Expected: email = null", `Actual: email = "b@example.com"`},
		},
		{
			name:      "masked row missing",
			assertion: Assertion{Type: AssertMasked, Collection: "db:a", Where: map[string]any{"id": 9}, Field: "email"},
			want:      []string{"stored row where id=9", "row not found"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion}, sampleMemory())
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], "assertions[0]: Assertion failed")
			for _, w := range tt.want {
				assert.Contains(t, errs[0], w)
			}
		})
	}
}

func TestMatchRow(t *testing.T) {
	row := rowset.Row{
		"id":      int64(7),
		"tags":    []any{"a", "b"},
		"address": map[string]any{"zip": "0150"},
	}

	assert.True(t, matchRow(row, map[string]any{"id": 7}), "int matches int64")
	assert.True(t, matchRow(row, map[string]any{"tags": "b"}), "arrays are flattened")
	assert.True(t, matchRow(row, map[string]any{"id": 7, "address.zip": "0150"}))
	assert.False(t, matchRow(row, map[string]any{"id": 7, "address.zip": "9999"}), "every entry must match")
	assert.False(t, matchRow(row, map[string]any{"missing": 1}))
}

func TestLookupReportsPresentNull(t *testing.T) {
	row := rowset.Row{"email": nil, "address": map[string]any{"city": "Oslo"}}

	v, ok := lookup(row, []string{"email"})
	assert.True(t, ok)
	assert.Nil(t, v)

	v, ok = lookup(row, []string{"address", "city"})
	assert.True(t, ok)
	assert.Equal(t, "Oslo", v)

	_, ok = lookup(row, []string{"address", "zip"})
	assert.False(t, ok)
	_, ok = lookup(row, []string{"email", "domain"})
	assert.False(t, ok)
}
