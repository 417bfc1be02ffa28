package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/dsr/internal/connector"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/rowset"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type       string // Assertion type for categorization
	Collection string
	Expected   string // Human-readable expected outcome
	Actual     string // Human-readable actual outcome
	Rows       []rowset.Row
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Collection)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Rows) > 0 {
		fmt.Fprintf(&buf, "\nRows:\n")
		for i, row := range e.Rows {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, canonical(row))
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against a result and the
// connector's final rows, returning one message per failed assertion.
func EvaluateAssertions(result *Result, assertions []Assertion, mem *connector.Memory) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, mem); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, mem *connector.Memory) error {
	switch a.Type {
	case AssertAccessCount:
		return assertCount(a, result.Snapshot.Access[a.Collection])
	case AssertRetrievedCount:
		return assertCount(a, result.Retrieved[a.Collection])
	case AssertAccessContains:
		return assertContains(a, result.Snapshot.Access[a.Collection])
	case AssertErasureCount:
		return assertErasureCount(a, result.Snapshot.Erasure)
	case AssertConsentSent:
		return assertConsentSent(a, result.Snapshot.Consent)
	case AssertMasked:
		addr, err := graph.ParseCollectionAddress(a.Collection)
		if err != nil {
			return err
		}
		return assertMasked(a, mem.Rows(addr))
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertCount(a Assertion, rows []rowset.Row) error {
	if len(rows) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:       a.Type,
		Collection: a.Collection,
		Expected:   fmt.Sprintf("%d row(s)", a.Count),
		Actual:     fmt.Sprintf("%d row(s)", len(rows)),
		Rows:       rows,
	}
}

func assertContains(a Assertion, rows []rowset.Row) error {
	for _, row := range rows {
		if matchRow(row, a.Where) {
			return nil
		}
	}
	return &AssertionError{
		Type:       a.Type,
		Collection: a.Collection,
		Expected:   fmt.Sprintf("row where %s", formatWhere(a.Where)),
		Actual:     "not found in access results",
		Rows:       rows,
	}
}

func assertErasureCount(a Assertion, counts map[string]int) error {
	got, ok := counts[a.Collection]
	if ok && got == a.Count {
		return nil
	}
	actual := fmt.Sprintf("%d row(s) masked", got)
	if !ok {
		actual = "no erasure task"
	}
	return &AssertionError{
		Type:       a.Type,
		Collection: a.Collection,
		Expected:   fmt.Sprintf("%d row(s) masked", a.Count),
		Actual:     actual,
	}
}

func assertConsentSent(a Assertion, sent map[string]bool) error {
	got, ok := sent[a.Collection]
	if ok && got == *a.Sent {
		return nil
	}
	actual := fmt.Sprintf("sent=%t", got)
	if !ok {
		actual = "no consent task"
	}
	return &AssertionError{
		Type:       a.Type,
		Collection: a.Collection,
		Expected:   fmt.Sprintf("sent=%t", *a.Sent),
		Actual:     actual,
	}
}

func assertMasked(a Assertion, stored []rowset.Row) error {
	var matched []rowset.Row
	for _, row := range stored {
		if matchRow(row, a.Where) {
			matched = append(matched, row)
		}
	}
	if len(matched) == 0 {
		return &AssertionError{
			Type:       a.Type,
			Collection: a.Collection,
			Expected:   fmt.Sprintf("stored row where %s", formatWhere(a.Where)),
			Actual:     "row not found",
		}
	}

	want := canonical(a.Value)
	for _, row := range matched {
		got, _ := lookup(row, graph.ParseFieldPath(a.Field))
		if canonical(got) != want {
			return &AssertionError{
				Type:       a.Type,
				Collection: a.Collection,
				Expected:   fmt.Sprintf("%s = %s", a.Field, want),
				Actual:     fmt.Sprintf("%s = %s", a.Field, canonical(got)),
				Rows:       matched,
			}
		}
	}
	return nil
}

// matchRow reports whether every where entry matches a value found at its
// field path (subset semantics). Values compare by canonical encoding, so
// an int in YAML matches an int64 in a row.
func matchRow(row rowset.Row, where map[string]any) bool {
	for key, want := range where {
		w := canonical(want)
		found := false
		for _, v := range rowset.Values(row, graph.ParseFieldPath(key)) {
			if canonical(v) == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// lookup returns the value at path through nested records. Unlike
// rowset.Values it reports a present null.
func lookup(row rowset.Row, path graph.FieldPath) (any, bool) {
	var cur any = row
	for _, name := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[name]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func canonical(v any) string {
	s, err := rowset.CanonicalString(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// formatWhere renders a where clause with sorted keys.
func formatWhere(where map[string]any) string {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, canonical(where[k]))
	}
	return strings.Join(parts, ", ")
}
