package connector

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/traversal"
)

func shop(t *testing.T) *traversal.Traversal {
	t.Helper()
	g, err := graph.NewDatasetGraph(graph.GraphDataset{
		Name:          "shop",
		ConnectionKey: "shop_db",
		Collections: []graph.Collection{
			{Name: "customer", Fields: []graph.Field{
				{Name: "id", PrimaryKey: true},
				{Name: "email", Identity: "email", DataCategories: []string{"user.contact.email"}},
				{Name: "name", DataCategories: []string{"user.name"}},
			}},
			{Name: "orders", Fields: []graph.Field{
				{Name: "id", PrimaryKey: true},
				{Name: "customer_id", References: []graph.FieldReference{{
					Address:   graph.NewFieldAddress("shop", "customer", "id"),
					Direction: graph.DirectionFrom,
				}}},
				{Name: "shipping", Fields: []graph.Field{
					{Name: "street", DataCategories: []string{"user.contact.address"}},
				}},
			}},
		},
	})
	require.NoError(t, err)
	tr, err := traversal.New(g, map[string]string{"email": "x@example.com"})
	require.NoError(t, err)
	return tr
}

func customerNode(tr *traversal.Traversal) *traversal.TraversalNode {
	return tr.Node(graph.NewCollectionAddress("shop", "customer"))
}

func ordersNode(tr *traversal.Traversal) *traversal.TraversalNode {
	return tr.Node(graph.NewCollectionAddress("shop", "orders"))
}

func erasePolicy(strategy string) *policy.Policy {
	return &policy.Policy{Key: "erase", Rules: []policy.Rule{
		{Name: "erase", ActionType: model.ActionErasure, TargetCategories: []string{"user.contact"}, MaskingStrategy: strategy},
	}}
}

const fixturesYAML = `
shop:customer:
  - {id: 1, email: x@example.com, name: X}
  - {id: 2, email: y@example.com, name: Y}
shop:orders:
  - {id: 10, customer_id: 1, shipping: {street: 1 Main St}}
  - {id: 11, customer_id: 1, shipping: {street: 2 Main St}}
  - {id: 12, customer_id: 2, shipping: {street: 3 Main St}}
`

func TestParseFixtures(t *testing.T) {
	f, err := ParseFixtures([]byte(fixturesYAML))
	require.NoError(t, err)
	assert.Len(t, f["shop:orders"], 3)
	assert.Equal(t, int64(1), f["shop:customer"][0]["id"])

	_, err = ParseFixtures([]byte("not-an-address:\n  - {a: 1}\n"))
	assert.Error(t, err)
	_, err = ParseFixtures([]byte("bad:\n  - [1]\n"))
	assert.Error(t, err)
}

func TestMemory_RetrieveAndMask(t *testing.T) {
	ctx := context.Background()
	tr := shop(t)
	f, err := ParseFixtures([]byte(fixturesYAML))
	require.NoError(t, err)
	m := NewMemory(f, MemoryOptions{})

	rows, err := m.RetrieveData(ctx, customerNode(tr), nil, map[string][]any{"email": {"x@example.com"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["id"])

	orders, err := m.RetrieveData(ctx, ordersNode(tr), nil, map[string][]any{"customer_id": {int64(1)}})
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, 1, m.Calls(customerNode(tr).Address))

	n, err := m.MaskData(ctx, ordersNode(tr), erasePolicy(StrategyStringRewrite), orders, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored := m.Rows(ordersNode(tr).Address)
	assert.Equal(t, map[string]any{"street": MaskedString}, stored[0]["shipping"])
	assert.Equal(t, map[string]any{"street": "3 Main St"}, stored[2]["shipping"])

	n, err = m.MaskData(ctx, customerNode(tr), erasePolicy(StrategyNullRewrite), rows, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, m.Rows(customerNode(tr).Address)[0]["email"])
	assert.Equal(t, "y@example.com", m.Rows(customerNode(tr).Address)[1]["email"])
}

func TestMemory_MissingCollectionIsSkipped(t *testing.T) {
	tr := shop(t)
	m := NewMemory(Fixtures{}, MemoryOptions{})
	_, err := m.RetrieveData(context.Background(), customerNode(tr), nil, map[string][]any{"email": {"x@example.com"}})
	assert.True(t, task.IsSkipped(err))
}

func TestMemory_ReadOnlyAndConsent(t *testing.T) {
	ctx := context.Background()
	tr := shop(t)
	f, err := ParseFixtures([]byte(fixturesYAML))
	require.NoError(t, err)

	ro := NewMemory(f, MemoryOptions{ReadOnly: true})
	_, err = ro.MaskData(ctx, customerNode(tr), erasePolicy(""), f["shop:customer"], true)
	assert.True(t, task.IsSkipped(err))
	_, err = ro.RunConsentRequest(ctx, customerNode(tr), nil, map[string]string{"email": "x@example.com"})
	assert.ErrorIs(t, err, task.ErrNotSupported)

	m := NewMemory(f, MemoryOptions{Consent: true})
	sent, err := m.RunConsentRequest(ctx, customerNode(tr), nil, map[string]string{"email": "x@example.com"})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, []map[string]string{{"email": "x@example.com"}}, m.ConsentRecords())
}

func TestMemory_DryRunAndStandalone(t *testing.T) {
	tr := shop(t)
	f, err := ParseFixtures([]byte(fixturesYAML))
	require.NoError(t, err)
	m := NewMemory(f, MemoryOptions{})

	q, err := m.DryRunQuery(ordersNode(tr))
	require.NoError(t, err)
	assert.Equal(t, "SCAN shop:orders WHERE customer_id IN (?)", q)

	rows, err := m.ExecuteStandaloneRetrievalQuery(context.Background(), customerNode(tr),
		[]string{"email"}, map[string][]any{"id": {int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, []rowset.Row{{"email": "y@example.com"}}, rows)
}

func openTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE customer (id INTEGER PRIMARY KEY, email TEXT, name TEXT)`,
		`INSERT INTO customer VALUES (1, 'x@example.com', 'X'), (2, 'y@example.com', 'Y')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return path
}

func TestSQLite_RetrieveMaskSkip(t *testing.T) {
	ctx := context.Background()
	tr := shop(t)
	s, err := OpenSQLite(ctx, openTestDB(t), false)
	require.NoError(t, err)
	defer s.Close()

	status, err := s.TestConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ConnectionSucceeded, status)

	rows, err := s.RetrieveData(ctx, customerNode(tr), nil, map[string][]any{"email": {"x@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, []rowset.Row{{"id": int64(1), "email": "x@example.com", "name": "X"}}, rows)

	n, err := s.MaskData(ctx, customerNode(tr), erasePolicy(StrategyNullRewrite), rows, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := s.ExecuteStandaloneRetrievalQuery(ctx, customerNode(tr), nil, map[string][]any{"id": {int64(1)}})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Nil(t, after[0]["email"])
	assert.Equal(t, "X", after[0]["name"])

	_, err = s.RetrieveData(ctx, ordersNode(tr), nil, map[string][]any{"customer_id": {int64(1)}})
	assert.True(t, task.IsSkipped(err), "missing table is a skip: %v", err)

	q, err := s.DryRunQuery(customerNode(tr))
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "email", "name" FROM "customer" WHERE "email" IN (?) ORDER BY "id"`, q)
}

func TestRetrieveData_EmptyInputReturnsNoRows(t *testing.T) {
	ctx := context.Background()
	tr := shop(t)
	f, err := ParseFixtures([]byte(fixturesYAML))
	require.NoError(t, err)
	s, err := OpenSQLite(ctx, openTestDB(t), false)
	require.NoError(t, err)
	defer s.Close()

	conns := map[string]task.Connector{"memory": NewMemory(f, MemoryOptions{}), "sqlite": s}
	for name, conn := range conns {
		for _, input := range []map[string][]any{nil, {}, {"shipping.street": {"1 Main St"}}} {
			rows, err := conn.RetrieveData(ctx, customerNode(tr), nil, input)
			require.NoError(t, err, "%s %v", name, input)
			assert.NotNil(t, rows)
			assert.Empty(t, rows, "%s %v", name, input)
		}
	}

	// No statement reaches the database, so the missing orders table is not noticed.
	rows, err := s.RetrieveData(ctx, ordersNode(tr), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLite_ReadOnly(t *testing.T) {
	ctx := context.Background()
	tr := shop(t)
	s, err := OpenSQLite(ctx, openTestDB(t), true)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.MaskData(ctx, customerNode(tr), erasePolicy(""), []rowset.Row{{"id": int64(1)}}, true)
	assert.True(t, task.IsSkipped(err))
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	f, err := ParseFixtures([]byte(fixturesYAML))
	require.NoError(t, err)

	_, err = NewFactory([]ConnectionConfig{{Key: "a", Type: "oracle"}}, nil)
	assert.Error(t, err)
	_, err = NewFactory([]ConnectionConfig{{Key: "a", Type: TypeSQLite}}, nil)
	assert.Error(t, err, "sqlite needs a path")
	_, err = NewFactory([]ConnectionConfig{{Key: "a", Type: TypeMemory}, {Key: "a", Type: TypeMemory}}, nil)
	assert.Error(t, err)

	fac, err := NewFactory([]ConnectionConfig{
		{Key: "shop_db", Type: TypeMemory, RateLimit: 1000, Burst: 10},
	}, f)
	require.NoError(t, err)
	assert.Equal(t, []string{"shop_db"}, fac.Keys())

	c, err := fac.NewConnector(ctx, "shop_db")
	require.NoError(t, err)
	limited, ok := c.(*Limited)
	require.True(t, ok)
	assert.IsType(t, &Memory{}, limited.Unwrap())

	_, err = fac.NewConnector(ctx, "missing")
	assert.Error(t, err)
}

func TestLimited_ForwardsOptionalOperations(t *testing.T) {
	ctx := context.Background()
	tr := shop(t)
	s, err := OpenSQLite(ctx, openTestDB(t), false)
	require.NoError(t, err)
	l := RateLimited(s, rate.NewLimiter(rate.Inf, 1))
	defer l.Close()

	rows, err := l.RetrieveData(ctx, customerNode(tr), nil, map[string][]any{"email": {"y@example.com"}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = l.DryRunQuery(customerNode(tr))
	assert.NoError(t, err)
	_, err = l.RunConsentRequest(ctx, customerNode(tr), nil, nil)
	assert.ErrorIs(t, err, task.ErrNotSupported)
}
