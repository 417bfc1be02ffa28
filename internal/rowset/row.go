// Package rowset holds the row representation that flows between tasks:
// generic JSON-like records, path lookup over nested records, and the
// canonical and binary encodings used for caching and persistence.
//
// Values inside a Row are always in normal form after Normalize:
//
//   - integers are int64
//   - floating point numbers are float64
//   - nested records are map[string]any
//   - arrays are []any
//
// Strings, bools, nil, []byte and time.Time pass through unchanged.
package rowset

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/roach88/dsr/internal/graph"
)

// Row is one record returned by a connector.
type Row = map[string]any

// Normalize converts v to normal form. Unknown types are returned as-is.
func Normalize(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return normalizeUint(uint64(val))
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return normalizeUint(val)
	case float32:
		return float64(val)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = Normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	case []int64:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	case []int:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = int64(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Normalize(e)
		}
		return out
	case time.Time:
		return val.UTC()
	default:
		return v
	}
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return float64(u)
}

// NormalizeRows normalizes every row in place and returns the slice.
// A nil input yields an empty, non-nil slice.
func NormalizeRows(rows []Row) []Row {
	if rows == nil {
		return []Row{}
	}
	for i, r := range rows {
		rows[i] = Normalize(r).(map[string]any)
	}
	return rows
}

// Values returns every value found at path, flattening arrays met along the
// way. Missing keys contribute nothing; nil values are skipped.
func Values(row Row, path graph.FieldPath) []any {
	var out []any
	collect(row, path, &out)
	return out
}

func collect(v any, path graph.FieldPath, out *[]any) {
	if v == nil {
		return
	}
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			collect(e, path, out)
		}
		return
	}
	if len(path) == 0 {
		*out = append(*out, v)
		return
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	child, ok := obj[path[0]]
	if !ok {
		return
	}
	collect(child, path[1:], out)
}

// Set writes value at path, creating intermediate records as needed.
func Set(row Row, path graph.FieldPath, value any) {
	if len(path) == 0 {
		return
	}
	cur := row
	for _, name := range path[:len(path)-1] {
		next, ok := cur[name].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[name] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// Clone deep-copies rows so cached results cannot be mutated by consumers.
func Clone(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = cloneValue(r).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}

// AppendUnique appends the values not already present in dst, comparing by
// canonical encoding, and returns the extended slice.
func AppendUnique(dst []any, seen map[string]bool, values ...any) []any {
	for _, v := range values {
		key, err := CanonicalString(v)
		if err != nil {
			key = fmt.Sprintf("%T:%v", v, v)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		dst = append(dst, v)
	}
	return dst
}
