package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/dsr/internal/queryir"
)

// SQLCompiler compiles queryir statements to parameterized SQL for SQLite.
//
// Every value is a bound parameter; identifiers are double-quoted. A Select
// with OrderBy always renders its ORDER BY so row order is deterministic.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile validates q and converts it to SQL.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q).Err(); err != nil {
		return "", nil, err
	}

	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(query)
	case *queryir.Select:
		return c.compileSelect(*query)
	case queryir.Update:
		return c.compileUpdate(query)
	case *queryir.Update:
		return c.compileUpdate(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(identList(q.Columns))
	b.WriteString(" FROM ")
	b.WriteString(QuoteIdent(q.From))

	var params []any
	if q.Filter != nil {
		where, p, err := c.compilePredicate(q.Filter, false)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = p
	}
	if len(q.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(identList(q.OrderBy))
	}
	return b.String(), params, nil
}

func (c *SQLCompiler) compileUpdate(q queryir.Update) (string, []any, error) {
	sets := make([]string, len(q.Set))
	params := make([]any, 0, len(q.Set))
	for i, a := range q.Set {
		sets[i] = QuoteIdent(a.Column) + " = ?"
		params = append(params, a.Value)
	}

	where, p, err := c.compilePredicate(q.Where, false)
	if err != nil {
		return "", nil, fmt.Errorf("compile where: %w", err)
	}
	sql := "UPDATE " + QuoteIdent(q.Table) + " SET " + strings.Join(sets, ", ") + " WHERE " + where
	return sql, append(params, p...), nil
}

// compilePredicate renders p. nested wraps compound predicates in
// parentheses so AND and OR keep their grouping.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate, nested bool) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		return compileEquals(pred)
	case *queryir.Equals:
		return compileEquals(*pred)
	case queryir.In:
		return compileIn(pred)
	case *queryir.In:
		return compileIn(*pred)
	case queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1", nested)
	case *queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1", nested)
	case queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0", nested)
	case *queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0", nested)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// compileEquals renders "field = ?", or "field IS NULL" for a nil value.
func compileEquals(eq queryir.Equals) (string, []any, error) {
	if eq.Value == nil {
		return QuoteIdent(eq.Field) + " IS NULL", nil, nil
	}
	return QuoteIdent(eq.Field) + " = ?", []any{eq.Value}, nil
}

func compileIn(in queryir.In) (string, []any, error) {
	return QuoteIdent(in.Field) + " IN (" + placeholders(len(in.Values)) + ")", append([]any(nil), in.Values...), nil
}

func (c *SQLCompiler) compileJunction(preds []queryir.Predicate, sep, empty string, nested bool) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	if len(preds) == 1 {
		return c.compilePredicate(preds[0], nested)
	}

	parts := make([]string, len(preds))
	var params []any
	for i, p := range preds {
		sql, ps, err := c.compilePredicate(p, true)
		if err != nil {
			return "", nil, err
		}
		parts[i] = sql
		params = append(params, ps...)
	}
	sql := strings.Join(parts, sep)
	if nested {
		sql = "(" + sql + ")"
	}
	return sql, params, nil
}

// QuoteIdent double-quotes an identifier, doubling embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func identList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
