package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatching(t *testing.T) {
	tests := []struct {
		name    string
		filters map[string][]any
		all     bool
		want    Predicate
	}{
		{
			name:    "empty",
			filters: map[string][]any{},
			want:    nil,
		},
		{
			name:    "single key",
			filters: map[string][]any{"email": {"a@example.com"}},
			want:    In{Field: "email", Values: []any{"a@example.com"}},
		},
		{
			name:    "keys sorted into or",
			filters: map[string][]any{"phone": {"1"}, "email": {"a", "b"}},
			want: Or{Predicates: []Predicate{
				In{Field: "email", Values: []any{"a", "b"}},
				In{Field: "phone", Values: []any{"1"}},
			}},
		},
		{
			name:    "all keys into and",
			filters: map[string][]any{"id": {int64(1)}, "email": {"a"}},
			all:     true,
			want: And{Predicates: []Predicate{
				In{Field: "email", Values: []any{"a"}},
				In{Field: "id", Values: []any{int64(1)}},
			}},
		},
		{
			name:    "nested paths and empty values dropped",
			filters: map[string][]any{"address.city": {"Oslo"}, "email": {}},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matching(tt.filters, tt.all))
		})
	}
}

func TestIsColumn(t *testing.T) {
	assert.True(t, IsColumn("email"))
	assert.False(t, IsColumn(""))
	assert.False(t, IsColumn("address.city"))
}
