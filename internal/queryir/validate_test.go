package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidSelect(t *testing.T) {
	query := Select{
		From:    "customer",
		Columns: []string{"id", "email"},
		Filter: Or{Predicates: []Predicate{
			In{Field: "email", Values: []any{"a@example.com"}},
			&Equals{Field: "id", Value: int64(1)},
		}},
		OrderBy: []string{"id"},
	}

	result := Validate(query)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Problems)
	assert.NoError(t, result.Err())

	assert.True(t, Validate(&query).IsValid, "pointer types validate the same")
}

func TestValidate_ValidUpdate(t *testing.T) {
	query := Update{
		Table: "customer",
		Set:   []Assignment{{Column: "email", Value: nil}},
		Where: And{Predicates: []Predicate{Equals{Field: "id", Value: int64(1)}}},
	}
	assert.True(t, Validate(query).IsValid)
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{
			name:  "nil query",
			query: nil,
			want:  []string{"nil query"},
		},
		{
			name:  "select without table or columns",
			query: Select{},
			want:  []string{"select has no table", `select from "" has no columns`},
		},
		{
			name:  "nested column",
			query: Select{From: "customer", Columns: []string{"address.city"}},
			want:  []string{`field "address.city" is not a top-level column`},
		},
		{
			name:  "nested order by",
			query: Select{From: "customer", Columns: []string{"id"}, OrderBy: []string{"a.b"}},
			want:  []string{`field "a.b" is not a top-level column`},
		},
		{
			name: "empty in",
			query: Select{From: "customer", Columns: []string{"id"},
				Filter: And{Predicates: []Predicate{In{Field: "email"}}}},
			want: []string{`IN on "email" has no values`},
		},
		{
			name:  "update without where",
			query: Update{Table: "customer", Set: []Assignment{{Column: "email"}}},
			want:  []string{`update of "customer" has no WHERE clause`},
		},
		{
			name:  "update without assignments",
			query: &Update{Table: "customer", Where: Equals{Field: "id", Value: 1}},
			want:  []string{`update of "customer" sets no columns`},
		},
		{
			name:  "update without table",
			query: Update{Set: []Assignment{{Column: "email"}}, Where: Equals{Field: "id", Value: 1}},
			want:  []string{"update has no table"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.query)
			assert.False(t, result.IsValid)
			assert.Equal(t, tt.want, result.Problems)

			err := result.Err()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid query: ")
		})
	}
}

func TestValidate_NestedPredicates(t *testing.T) {
	query := Select{
		From:    "orders",
		Columns: []string{"id"},
		Filter: Or{Predicates: []Predicate{
			And{Predicates: []Predicate{
				In{Field: "customer_id", Values: []any{int64(1)}},
				&Or{Predicates: []Predicate{&In{Field: "x.y", Values: []any{1}}}},
			}},
		}},
	}

	result := Validate(query)
	require.Len(t, result.Problems, 1)
	assert.Contains(t, result.Problems[0], `"x.y"`)
}

func TestValidate_EmptyJunctions(t *testing.T) {
	query := Select{From: "orders", Columns: []string{"id"}, Filter: Or{}}
	assert.True(t, Validate(query).IsValid, "an empty Or is a valid filter that matches nothing")
}
