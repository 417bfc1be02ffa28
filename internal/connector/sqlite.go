package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/queryir"
	"github.com/roach88/dsr/internal/querysql"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/traversal"
)

// SQLite is a connector for collections stored as tables of a SQLite
// database. Each collection maps to the table of the same name; only
// top-level scalar fields map to columns.
type SQLite struct {
	db       *sql.DB
	readOnly bool
	compiler *querysql.SQLCompiler
}

var (
	_ task.Connector           = (*SQLite)(nil)
	_ task.DryRunner           = (*SQLite)(nil)
	_ task.StandaloneRetriever = (*SQLite)(nil)
)

// OpenSQLite opens the database at path. A read-only connector opens the
// file read-only and refuses erasures.
func OpenSQLite(ctx context.Context, path string, readOnly bool) (*SQLite, error) {
	dsn := "file:" + path + "?_busy_timeout=5000"
	if readOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLite(db, readOnly), nil
}

// NewSQLite wraps an already open database.
func NewSQLite(db *sql.DB, readOnly bool) *SQLite {
	return &SQLite{db: db, readOnly: readOnly, compiler: querysql.NewSQLCompiler()}
}

func (s *SQLite) TestConnection(ctx context.Context) (task.ConnectionStatus, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return task.ConnectionFailed, err
	}
	return task.ConnectionSucceeded, nil
}

func columns(coll *graph.Collection) []string {
	var out []string
	for _, f := range coll.Fields {
		if !f.IsObject() {
			out = append(out, f.Name)
		}
	}
	return out
}

// orderBy returns the top-level primary-key columns, or every column when
// the collection declares none.
func orderBy(coll *graph.Collection, cols []string) []string {
	var out []string
	for _, pk := range coll.PrimaryKeys() {
		if len(pk) == 1 {
			out = append(out, pk.String())
		}
	}
	if len(out) == 0 {
		return cols
	}
	return out
}

// selectQuery builds the retrieval statement. Filters on nested paths are
// not expressible as columns and are dropped.
func selectQuery(coll *graph.Collection, cols []string, filters map[string][]any, all bool) queryir.Select {
	return queryir.Select{
		From:    coll.Name,
		Columns: cols,
		Filter:  queryir.Matching(filters, all),
		OrderBy: orderBy(coll, cols),
	}
}

func (s *SQLite) query(ctx context.Context, node *traversal.TraversalNode, sel queryir.Select) ([]rowset.Row, error) {
	q, args, err := s.compiler.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", node.Address, err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapMissingTable(node.Address, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []rowset.Row{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", node.Address, err)
		}
		row := make(rowset.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", node.Address, err)
	}
	return rowset.NormalizeRows(out), nil
}

func wrapMissingTable(addr graph.CollectionAddress, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && strings.Contains(se.Error(), "no such table") {
		return fmt.Errorf("table for %s not found: %w", addr, task.ErrCollectionSkipped)
	}
	return fmt.Errorf("query %s: %w", addr, err)
}

// RetrieveData selects the rows where any input column holds one of its
// input values. Without a usable input column no statement is issued and no
// rows are returned.
func (s *SQLite) RetrieveData(ctx context.Context, node *traversal.TraversalNode, _ *policy.Policy, input map[string][]any) ([]rowset.Row, error) {
	sel := selectQuery(node.Collection, columns(node.Collection), input, false)
	if sel.Filter == nil {
		return []rowset.Row{}, nil
	}
	return s.query(ctx, node, sel)
}

// MaskData updates the targeted columns of each row, addressed by primary
// key, in one transaction.
func (s *SQLite) MaskData(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, rows []rowset.Row, _ bool) (int, error) {
	if s.readOnly {
		return 0, fmt.Errorf("connection for %s is read-only: %w", node.Address, task.ErrCollectionSkipped)
	}
	pks := node.PrimaryKeys()
	updates := erasureUpdates(node.Collection, p)

	paths := make([]string, 0, len(updates))
	for k, u := range updates {
		if len(u.path) == 1 {
			paths = append(paths, k)
		}
	}
	sort.Strings(paths)
	set := make([]queryir.Assignment, len(paths))
	for i, k := range paths {
		set[i] = queryir.Assignment{Column: k, Value: updates[k].value}
	}
	if len(set) == 0 || len(pks) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mask %s: %w", node.Address, err)
	}
	defer tx.Rollback()

	masked := 0
	for _, row := range rows {
		where := make([]queryir.Predicate, 0, len(pks))
		for _, pk := range pks {
			vals := rowset.Values(row, pk)
			if len(vals) != 1 {
				break
			}
			where = append(where, queryir.Equals{Field: pk.String(), Value: vals[0]})
		}
		if len(where) != len(pks) {
			continue
		}
		stmt, args, err := s.compiler.Compile(queryir.Update{
			Table: node.Collection.Name,
			Set:   set,
			Where: queryir.And{Predicates: where},
		})
		if err != nil {
			return 0, fmt.Errorf("mask %s: %w", node.Address, err)
		}
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return 0, wrapMissingTable(node.Address, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		masked += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mask %s: %w", node.Address, err)
	}
	return masked, nil
}

// DryRunQuery renders the retrieval statement with one placeholder per
// input column.
func (s *SQLite) DryRunQuery(node *traversal.TraversalNode) (string, error) {
	filters := make(map[string][]any)
	for _, e := range node.IncomingEdges {
		filters[e.To.Path.String()] = []any{nil}
	}
	q, _, err := s.compiler.Compile(selectQuery(node.Collection, columns(node.Collection), filters, false))
	return q, err
}

// ExecuteStandaloneRetrievalQuery selects fields from rows matching every
// filter.
func (s *SQLite) ExecuteStandaloneRetrievalQuery(ctx context.Context, node *traversal.TraversalNode, fields []string, filters map[string][]any) ([]rowset.Row, error) {
	cols := fields
	if len(cols) == 0 {
		cols = columns(node.Collection)
	}
	return s.query(ctx, node, selectQuery(node.Collection, cols, filters, true))
}

func (s *SQLite) Close() error { return s.db.Close() }
