package queryir

import (
	"fmt"
	"strings"
)

// ValidationResult lists what keeps a query from being rendered.
type ValidationResult struct {
	// IsValid is true when Problems is empty.
	IsValid bool

	Problems []string
}

// Err returns the problems as one error, or nil for a valid query.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	return fmt.Errorf("invalid query: %s", strings.Join(r.Problems, "; "))
}

// Validate checks a query against the rules every backend relies on:
//  1. Select names its table and an explicit column list.
//  2. Update names its table, at least one assignment and a Where.
//  3. Every field and column is a top-level column, not a nested path.
//  4. In carries at least one value.
//
// Validate is a pure function with no side effects.
func Validate(query Query) ValidationResult {
	v := &validator{problems: []string{}}
	v.validateQuery(query)
	return ValidationResult{
		IsValid:  len(v.problems) == 0,
		Problems: v.problems,
	}
}

type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addProblem("nil query")
	case Select:
		v.validateSelect(query)
	case *Select:
		v.validateSelect(*query)
	case Update:
		v.validateUpdate(query)
	case *Update:
		v.validateUpdate(*query)
	default:
		v.addProblem("unknown query type: %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	if sel.From == "" {
		v.addProblem("select has no table")
	}
	if len(sel.Columns) == 0 {
		v.addProblem("select from %q has no columns", sel.From)
	}
	for _, c := range sel.Columns {
		v.checkColumn(c)
	}
	for _, c := range sel.OrderBy {
		v.checkColumn(c)
	}
	if sel.Filter != nil {
		v.validatePredicate(sel.Filter)
	}
}

func (v *validator) validateUpdate(up Update) {
	if up.Table == "" {
		v.addProblem("update has no table")
	}
	if len(up.Set) == 0 {
		v.addProblem("update of %q sets no columns", up.Table)
	}
	for _, a := range up.Set {
		v.checkColumn(a.Column)
	}
	if up.Where == nil {
		v.addProblem("update of %q has no WHERE clause", up.Table)
		return
	}
	v.validatePredicate(up.Where)
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.checkColumn(pred.Field)
	case *Equals:
		v.checkColumn(pred.Field)
	case In:
		v.validateIn(pred)
	case *In:
		v.validateIn(*pred)
	case And:
		v.validateAll(pred.Predicates)
	case *And:
		v.validateAll(pred.Predicates)
	case Or:
		v.validateAll(pred.Predicates)
	case *Or:
		v.validateAll(pred.Predicates)
	default:
		v.addProblem("unknown predicate type: %T", p)
	}
}

func (v *validator) validateIn(in In) {
	v.checkColumn(in.Field)
	if len(in.Values) == 0 {
		v.addProblem("IN on %q has no values", in.Field)
	}
}

func (v *validator) validateAll(preds []Predicate) {
	for _, p := range preds {
		v.validatePredicate(p)
	}
}

func (v *validator) checkColumn(name string) {
	if !IsColumn(name) {
		v.addProblem("field %q is not a top-level column", name)
	}
}
