package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/rowset"
)

func testPolicy() *Policy {
	return &Policy{
		Key: "default",
		Rules: []Rule{
			{Name: "access contact", ActionType: model.ActionAccess, TargetCategories: []string{"user.contact"}},
			{Name: "access ids", ActionType: model.ActionAccess, TargetCategories: []string{"user.unique_id", "user.contact"}},
			{Name: "erase email", ActionType: model.ActionErasure, TargetCategories: []string{"user.contact.email"}, MaskingStrategy: "null_rewrite"},
		},
	}
}

func TestRulesForAction(t *testing.T) {
	p := testPolicy()
	assert.Len(t, p.RulesForAction(model.ActionAccess), 2)
	assert.True(t, p.HasRulesFor(model.ActionErasure))
	assert.False(t, p.HasRulesFor(model.ActionConsent))
	assert.Equal(t, []string{"user.contact", "user.unique_id"}, p.Categories(model.ActionAccess))
	assert.Equal(t, []string{"user.contact.email"}, p.ErasureCategories())

	var nilPolicy *Policy
	assert.False(t, nilPolicy.HasRulesFor(model.ActionAccess))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("user.contact", "user.contact"))
	assert.True(t, Matches("user.contact", "user.contact.email"))
	assert.False(t, Matches("user.contact", "user.contacts"))
	assert.False(t, Matches("user.contact.email", "user.contact"))
	assert.True(t, MatchesAny([]string{"system", "user"}, "user.name"))
}

func TestFilterAccessResults(t *testing.T) {
	customer := graph.NewCollectionAddress("shop", "customer")
	orders := graph.NewCollectionAddress("shop", "orders")
	mapping := map[graph.CollectionAddress]map[string][]graph.FieldPath{
		customer: {
			"user.contact.email":        {{"email"}},
			"user.contact.address.city": {{"address", "city"}},
			"system.operations":         {{"internal_flag"}},
		},
		orders: {
			"system.operations": {{"total"}},
		},
	}
	results := map[string][]rowset.Row{
		customer.String(): {
			{"email": "x@example.com", "internal_flag": true, "address": map[string]any{"city": "Oslo", "zip": "0150"}},
			{"internal_flag": false},
		},
		orders.String(): {{"total": int64(5)}},
	}

	got := FilterAccessResults(results, mapping, testPolicy())
	assert.Equal(t, map[string][]rowset.Row{
		customer.String(): {
			{"email": "x@example.com", "address": map[string]any{"city": "Oslo"}},
		},
	}, got)
}

func TestFilterAccessResults_ArrayOfRecords(t *testing.T) {
	addr := graph.NewCollectionAddress("shop", "customer")
	mapping := map[graph.CollectionAddress]map[string][]graph.FieldPath{
		addr: {"user.contact.address": {{"addresses", "city"}}},
	}
	results := map[string][]rowset.Row{
		addr.String(): {{"addresses": []any{map[string]any{"city": "Oslo", "x": 1}, "junk"}}},
	}
	got := FilterAccessResults(results, mapping, testPolicy())
	assert.Equal(t, []rowset.Row{{"addresses": []any{map[string]any{"city": "Oslo"}}}}, got[addr.String()])
}

func TestValidate(t *testing.T) {
	assert.NoError(t, testPolicy().Validate())
	assert.Error(t, (&Policy{}).Validate())
	assert.Error(t, (&Policy{Key: "p", Rules: []Rule{{Name: "r", ActionType: "delete", TargetCategories: []string{"x"}}}}).Validate())
	assert.Error(t, (&Policy{Key: "p", Rules: []Rule{{Name: "r", ActionType: model.ActionAccess}}}).Validate())
	assert.NoError(t, (&Policy{Key: "p", Rules: []Rule{{Name: "c", ActionType: model.ActionConsent}}}).Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
key: default
rules:
  - name: access all user data
    action_type: access
    target_categories: [user]
  - name: erase contact
    action_type: erasure
    target_categories: [user.contact]
    masking_strategy: null_rewrite
`), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "default", p.Key)
	assert.Equal(t, []string{"user"}, p.Categories(model.ActionAccess))
	assert.Equal(t, "null_rewrite", p.RulesForAction(model.ActionErasure)[0].MaskingStrategy)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
