package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/queryir"
)

func TestCompile_Select(t *testing.T) {
	compiler := NewSQLCompiler()

	sql, params, err := compiler.Compile(queryir.Select{
		From:    "customer",
		Columns: []string{"id", "email"},
		Filter:  queryir.In{Field: "email", Values: []any{"a@example.com", "b@example.com"}},
		OrderBy: []string{"id"},
	})
	require.NoError(t, err)

	assert.Equal(t, `SELECT "id", "email" FROM "customer" WHERE "email" IN (?, ?) ORDER BY "id"`, sql)
	assert.NotContains(t, sql, "example.com", "values are parameters")
	assert.Equal(t, []any{"a@example.com", "b@example.com"}, params)
}

func TestCompile_SelectPointer(t *testing.T) {
	compiler := NewSQLCompiler()

	sql, params, err := compiler.Compile(&queryir.Select{From: "customer", Columns: []string{"id"}})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id" FROM "customer"`, sql)
	assert.Empty(t, params)
}

func TestCompile_Predicates(t *testing.T) {
	tests := []struct {
		name   string
		filter queryir.Predicate
		sql    string
		params []any
	}{
		{
			name:   "equals",
			filter: queryir.Equals{Field: "id", Value: int64(1)},
			sql:    `"id" = ?`,
			params: []any{int64(1)},
		},
		{
			name:   "equals null",
			filter: &queryir.Equals{Field: "email"},
			sql:    `"email" IS NULL`,
		},
		{
			name: "or of in",
			filter: queryir.Or{Predicates: []queryir.Predicate{
				queryir.In{Field: "email", Values: []any{"a"}},
				queryir.In{Field: "phone", Values: []any{"1", "2"}},
			}},
			sql:    `"email" IN (?) OR "phone" IN (?, ?)`,
			params: []any{"a", "1", "2"},
		},
		{
			name: "nested groups keep parentheses",
			filter: queryir.And{Predicates: []queryir.Predicate{
				queryir.Equals{Field: "a", Value: 1},
				&queryir.Or{Predicates: []queryir.Predicate{
					queryir.Equals{Field: "b", Value: 2},
					queryir.Equals{Field: "c", Value: 3},
				}},
			}},
			sql:    `"a" = ? AND ("b" = ? OR "c" = ?)`,
			params: []any{1, 2, 3},
		},
		{
			name:   "single member junction",
			filter: queryir.And{Predicates: []queryir.Predicate{queryir.Equals{Field: "a", Value: 1}}},
			sql:    `"a" = ?`,
			params: []any{1},
		},
		{
			name:   "empty and",
			filter: queryir.And{},
			sql:    "1 = 1",
		},
		{
			name:   "empty or",
			filter: &queryir.Or{},
			sql:    "1 = 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := NewSQLCompiler().Compile(queryir.Select{
				From:    "t",
				Columns: []string{"id"},
				Filter:  tt.filter,
			})
			require.NoError(t, err)
			assert.Equal(t, `SELECT "id" FROM "t" WHERE `+tt.sql, sql)
			if tt.params == nil {
				assert.Empty(t, params)
			} else {
				assert.Equal(t, tt.params, params)
			}
		})
	}
}

func TestCompile_Update(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.Update{
		Table: "customer",
		Set: []queryir.Assignment{
			{Column: "email", Value: nil},
			{Column: "name", Value: "MASKED"},
		},
		Where: queryir.And{Predicates: []queryir.Predicate{
			queryir.Equals{Field: "id", Value: int64(7)},
			queryir.Equals{Field: "region", Value: "eu"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, `UPDATE "customer" SET "email" = ?, "name" = ? WHERE "id" = ? AND "region" = ?`, sql)
	assert.Equal(t, []any{nil, "MASKED", int64(7), "eu"}, params)
}

func TestCompile_RejectsInvalid(t *testing.T) {
	compiler := NewSQLCompiler()

	_, _, err := compiler.Compile(queryir.Update{Table: "customer", Set: []queryir.Assignment{{Column: "email"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no WHERE clause")

	_, _, err = compiler.Compile(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil query")

	_, _, err = compiler.Compile(queryir.Select{From: "t", Columns: []string{"id"}, Filter: queryir.In{Field: "id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no values")
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"customer"`, QuoteIdent("customer"))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
}
