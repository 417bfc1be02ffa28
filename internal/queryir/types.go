package queryir

import (
	"sort"
	"strings"
)

// Query is a statement against one table.
//
// This is a sealed interface - only types in this package implement it.
type Query interface {
	queryNode()
}

// Predicate is a row filter.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Select reads columns from the rows of a table that match Filter.
//
//	SELECT <columns> FROM <from> WHERE <filter> ORDER BY <order by>
//
// Columns are explicit; there is no SELECT *. OrderBy names the columns
// that make the row order deterministic, normally the primary keys.
type Select struct {
	From    string
	Columns []string
	Filter  Predicate // nil = every row
	OrderBy []string
}

func (Select) queryNode() {}

// Update rewrites columns of the rows matching Where.
//
//	UPDATE <table> SET <set> WHERE <where>
//
// An Update always carries a Where; erasure never rewrites a whole table.
type Update struct {
	Table string
	Set   []Assignment
	Where Predicate
}

func (Update) queryNode() {}

// Assignment sets Column to Value.
type Assignment struct {
	Column string
	Value  any
}

// Equals matches rows whose Field equals Value. A nil Value matches NULL.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// In matches rows whose Field holds one of Values.
type In struct {
	Field  string
	Values []any
}

func (In) predicateNode() {}

// And matches rows every predicate matches. An empty And matches every row.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or matches rows any predicate matches. An empty Or matches no row.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Matching builds one In per filter key, in key order, combined with And
// when all is set and Or otherwise. Keys naming nested paths and keys with
// no values are dropped; Matching returns nil when nothing is left.
func Matching(filters map[string][]any, all bool) Predicate {
	keys := make([]string, 0, len(filters))
	for k, vals := range filters {
		if IsColumn(k) && len(vals) > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	preds := make([]Predicate, len(keys))
	for i, k := range keys {
		preds[i] = In{Field: k, Values: filters[k]}
	}
	if len(preds) == 1 {
		return preds[0]
	}
	if all {
		return And{Predicates: preds}
	}
	return Or{Predicates: preds}
}

// IsColumn reports whether a field path names a top-level column.
func IsColumn(path string) bool {
	return path != "" && !strings.Contains(path, ".")
}
