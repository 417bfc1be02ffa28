package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/cache"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/traversal"
)

type fakeConnector struct {
	mu       sync.Mutex
	rows     map[string][]rowset.Row
	failures int
	err      error
	calls    int
	inputs   []map[string][]any
	masked   []rowset.Row
	primary  bool
	closed   bool
}

func (f *fakeConnector) TestConnection(context.Context) (ConnectionStatus, error) {
	return ConnectionSucceeded, nil
}

func (f *fakeConnector) RetrieveData(_ context.Context, node *traversal.TraversalNode, _ *policy.Policy, input map[string][]any) ([]rowset.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.rows[node.Address.Collection], nil
}

func (f *fakeConnector) MaskData(_ context.Context, _ *traversal.TraversalNode, _ *policy.Policy, rows []rowset.Row, isPrimary bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return 0, errors.New("lock wait timeout")
	}
	f.masked = append(f.masked, rows...)
	f.primary = isPrimary
	return len(rows), nil
}

func (f *fakeConnector) Close() error {
	f.closed = true
	return nil
}

type consentConnector struct {
	fakeConnector
	identity map[string]string
}

func (c *consentConnector) RunConsentRequest(_ context.Context, _ *traversal.TraversalNode, _ *policy.Policy, identity map[string]string) (bool, error) {
	c.identity = identity
	return true, nil
}

func shopGraph(t *testing.T) *traversal.Traversal {
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
				{Name: "total"},
			}},
			{Name: "audit", Fields: []graph.Field{
				{Name: "email", Identity: "email", DataCategories: []string{"user.contact.email"}},
			}},
		},
	})
	require.NoError(t, err)
	tr, err := traversal.New(g, map[string]string{"email": "x@example.com"})
	require.NoError(t, err)
	return tr
}

func erasurePolicy() *policy.Policy {
	return &policy.Policy{Key: "erase", Rules: []policy.Rule{
		{Name: "access", ActionType: model.ActionAccess, TargetCategories: []string{"user"}},
		{Name: "erase", ActionType: model.ActionErasure, TargetCategories: []string{"user.contact"}, MaskingStrategy: "null_rewrite"},
	}}
}

type harness struct {
	conn  Connector
	res   *Resources
	logs  *MemoryLog
	slept []time.Duration
}

func newHarness(t *testing.T, conn Connector, p *policy.Policy) *harness {
	t.Helper()
	h := &harness{conn: conn, logs: &MemoryLog{}}
	factory := ConnectorFactoryFunc(func(context.Context, string) (Connector, error) { return conn, nil })
	h.res = NewResources("pr-1", p, factory, cache.NewMemory(), h.logs,
		WithIdentity(map[string]string{"email": "x@example.com"}))
	t.Cleanup(func() { _ = h.res.Close() })
	return h
}

func (h *harness) task(node *traversal.TraversalNode, retry RetryPolicy, opts ...Option) *GraphTask {
	opts = append([]Option{
		WithRetryPolicy(retry),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		}),
	}, opts...)
	return NewGraphTask(node, h.res, opts...)
}

func customer() graph.CollectionAddress { return graph.NewCollectionAddress("shop", "customer") }

var customerRows = []rowset.Row{{"id": int64(1), "email": "x@example.com", "name": "X"}}

func TestAccessRequest_Success(t *testing.T) {
	ctx := context.Background()
	tr := shopGraph(t)
	conn := &fakeConnector{rows: map[string][]rowset.Row{"customer": customerRows}}
	h := newHarness(t, conn, erasurePolicy())

	rows, err := h.task(tr.Node(customer()), DefaultRetryPolicy()).AccessRequest(ctx, tr.SeedRows())
	require.NoError(t, err)
	assert.Equal(t, customerRows, rows)
	assert.Equal(t, []map[string][]any{{"email": {"x@example.com"}}}, conn.inputs)

	assert.Equal(t, []model.TaskStatus{model.StatusInProcessing, model.StatusComplete},
		h.logs.Statuses("shop", "customer", model.ActionAccess))

	entries := h.logs.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, "pr-1", last.PrivacyRequestID)
	assert.Equal(t, "shop_db", last.ConnectionKey)
	assert.Equal(t, []model.FieldAffected{
		{Path: "email", FieldName: "email", DataCategories: []string{"user.contact.email"}},
		{Path: "name", FieldName: "name", DataCategories: []string{"user.name"}},
	}, last.FieldsAffected)

	cached, ok, err := h.res.CachedAccessResult(ctx, customer())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, customerRows, cached)
}

func TestAccessRequest_RetriesWithBackoff(t *testing.T) {
	tr := shopGraph(t)
	conn := &fakeConnector{rows: map[string][]rowset.Row{"customer": customerRows}, failures: 2}
	h := newHarness(t, conn, erasurePolicy())

	var hooked []model.TaskStatus
	gt := h.task(tr.Node(customer()), RetryPolicy{Count: 3, Delay: 10 * time.Millisecond, BackoffFactor: 2},
		WithStatusHook(func(_ context.Context, s model.TaskStatus) error {
			hooked = append(hooked, s)
			return nil
		}))

	rows, err := gt.AccessRequest(context.Background(), tr.SeedRows())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 3, conn.calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.slept)

	want := []model.TaskStatus{
		model.StatusInProcessing, model.StatusRetrying,
		model.StatusInProcessing, model.StatusRetrying,
		model.StatusInProcessing, model.StatusComplete,
	}
	assert.Equal(t, want, h.logs.Statuses("shop", "customer", model.ActionAccess))
	assert.Equal(t, want, hooked)
}

func TestAccessRequest_ExhaustedRetriesReturnEmpty(t *testing.T) {
	tr := shopGraph(t)
	conn := &fakeConnector{failures: 100}
	h := newHarness(t, conn, erasurePolicy())

	rows, err := h.task(tr.Node(customer()), RetryPolicy{Count: 2, Delay: time.Millisecond, BackoffFactor: 2}).
		AccessRequest(context.Background(), tr.SeedRows())
	require.Error(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.Equal(t, 3, conn.calls)

	statuses := h.logs.Statuses("shop", "customer", model.ActionAccess)
	assert.Equal(t, model.StatusError, statuses[len(statuses)-1])

	_, ok, err := h.res.CachedAccessResult(context.Background(), customer())
	require.NoError(t, err)
	assert.False(t, ok, "failed results are not cached")
}

func TestAccessRequest_ConnectorSkipIsNotRetried(t *testing.T) {
	tr := shopGraph(t)
	conn := &fakeConnector{err: fmt.Errorf("table customer missing: %w", ErrCollectionSkipped)}
	h := newHarness(t, conn, erasurePolicy())

	rows, err := h.task(tr.Node(customer()), DefaultRetryPolicy()).AccessRequest(context.Background(), tr.SeedRows())
	assert.True(t, IsSkipped(err))
	assert.Empty(t, rows)
	assert.Equal(t, 1, conn.calls)
	assert.Empty(t, h.slept)
	assert.Equal(t, []model.TaskStatus{model.StatusInProcessing, model.StatusSkipped},
		h.logs.Statuses("shop", "customer", model.ActionAccess))

	cached, ok, err := h.res.CachedAccessResult(context.Background(), customer())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, cached)
}

func TestAccessRequest_NoInputValuesSkipsConnector(t *testing.T) {
	tr := shopGraph(t)
	conn := &fakeConnector{}
	h := newHarness(t, conn, erasurePolicy())

	orders := tr.Node(graph.NewCollectionAddress("shop", "orders"))
	require.Equal(t, []graph.CollectionAddress{customer()}, orders.InputKeys())

	rows, err := h.task(orders, DefaultRetryPolicy()).AccessRequest(context.Background(), []rowset.Row{})
	assert.True(t, IsSkipped(err))
	assert.Empty(t, rows)
	assert.Zero(t, conn.calls)
	assert.Equal(t, []model.TaskStatus{model.StatusSkipped}, h.logs.Statuses("shop", "orders", model.ActionAccess))
}

func TestAccessRequest_NodeWithoutReferencesNeverQueries(t *testing.T) {
	orders := graph.NewCollectionAddress("shop", "orders")
	g, err := graph.NewDatasetGraph(graph.GraphDataset{
		Name:          "shop",
		ConnectionKey: "shop_db",
		Collections: []graph.Collection{
			{Name: "customer", Fields: []graph.Field{
				{Name: "id", PrimaryKey: true},
				{Name: "email", Identity: "email"},
			}},
			{Name: "orders", Fields: []graph.Field{
				{Name: "id", PrimaryKey: true},
				{Name: "customer_id", References: []graph.FieldReference{{
					Address:   graph.NewFieldAddress("shop", "customer", "id"),
					Direction: graph.DirectionFrom,
				}}},
			}},
			{Name: "settings", Fields: []graph.Field{
				{Name: "id", PrimaryKey: true},
				{Name: "note", DataCategories: []string{"user.name"}},
			}},
			{Name: "late", After: []graph.CollectionAddress{orders}, Fields: []graph.Field{
				{Name: "id", PrimaryKey: true},
				{Name: "note", DataCategories: []string{"user.name"}},
			}},
		},
	})
	require.NoError(t, err)
	tr, err := traversal.New(g, map[string]string{"email": "x@example.com"})
	require.NoError(t, err)

	everyone := []rowset.Row{{"id": int64(1), "note": "a"}, {"id": int64(2), "note": "b"}}
	orderRows := []rowset.Row{{"id": int64(10), "customer_id": int64(1)}}

	tests := []struct {
		name     string
		coll     string
		upstream [][]rowset.Row
	}{
		{"no incoming edges", "settings", [][]rowset.Row{tr.SeedRows()}},
		{"after only", "late", [][]rowset.Row{orderRows}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			conn := &fakeConnector{rows: map[string][]rowset.Row{tt.coll: everyone}}
			h := newHarness(t, conn, erasurePolicy())
			addr := graph.NewCollectionAddress("shop", tt.coll)

			rows, err := h.task(tr.Node(addr), DefaultRetryPolicy()).AccessRequest(ctx, tt.upstream...)
			assert.True(t, IsSkipped(err))
			assert.Empty(t, rows)
			assert.Zero(t, conn.calls)

			entries := h.logs.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, model.StatusSkipped, entries[0].Status)
			assert.Equal(t, MsgNoInputValues, entries[0].Message)

			skipped, err := h.res.WasSkipped(ctx, model.ActionAccess, addr)
			require.NoError(t, err)
			assert.True(t, skipped)

			n, err := h.task(tr.Node(addr), DefaultRetryPolicy()).ErasureRequest(ctx, rows)
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Empty(t, conn.masked)
		})
	}
}

func TestResources_SkipMarkerPerAction(t *testing.T) {
	ctx := context.Background()
	res := NewResources("pr-1", nil, nil, cache.NewMemory(), nil)

	skipped, err := res.WasSkipped(ctx, model.ActionAccess, customer())
	require.NoError(t, err)
	assert.False(t, skipped)

	require.NoError(t, res.MarkSkipped(ctx, model.ActionAccess, customer()))
	skipped, err = res.WasSkipped(ctx, model.ActionAccess, customer())
	require.NoError(t, err)
	assert.True(t, skipped)

	skipped, err = res.WasSkipped(ctx, model.ActionErasure, customer())
	require.NoError(t, err)
	assert.False(t, skipped)

	results, err := res.AccessResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAccessRequest_WrongRowsetCountFails(t *testing.T) {
	tr := shopGraph(t)
	h := newHarness(t, &fakeConnector{}, erasurePolicy())

	_, err := h.task(tr.Node(customer()), DefaultRetryPolicy()).AccessRequest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 0 upstream rowsets, want 1")
}

func TestErasureRequest_NoPrimaryKey(t *testing.T) {
	ctx := context.Background()
	tr := shopGraph(t)
	conn := &fakeConnector{}
	h := newHarness(t, conn, erasurePolicy())
	audit := graph.NewCollectionAddress("shop", "audit")

	n, err := h.task(tr.Node(audit), DefaultRetryPolicy()).
		ErasureRequest(ctx, []rowset.Row{{"email": "x@example.com"}})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, conn.calls)

	entries := h.logs.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, model.StatusComplete, entries[1].Status)
	assert.Equal(t, MsgNoPrimaryKey, entries[1].Message)

	count, ok, err := h.res.CachedErasureCount(ctx, audit)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, count)
}

func TestErasureRequest_MasksTargetedFields(t *testing.T) {
	ctx := context.Background()
	tr := shopGraph(t)
	conn := &fakeConnector{failures: 1}
	h := newHarness(t, conn, erasurePolicy())

	n, err := h.task(tr.Node(customer()), DefaultRetryPolicy()).ErasureRequest(ctx, customerRows)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, conn.primary, "customer is queried by identity")
	assert.Equal(t, customerRows, conn.masked)

	entries := h.logs.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, model.StatusComplete, last.Status)
	assert.Equal(t, []model.FieldAffected{
		{Path: "email", FieldName: "email", DataCategories: []string{"user.contact.email"}},
	}, last.FieldsAffected)

	counts, err := h.res.ErasureCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"shop:customer": 1}, counts)
}

func TestErasureRequest_NothingRetrievedOrTargeted(t *testing.T) {
	tr := shopGraph(t)
	conn := &fakeConnector{}

	h := newHarness(t, conn, erasurePolicy())
	n, err := h.task(tr.Node(customer()), DefaultRetryPolicy()).ErasureRequest(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	accessOnly := &policy.Policy{Key: "access", Rules: []policy.Rule{
		{Name: "access", ActionType: model.ActionAccess, TargetCategories: []string{"user"}},
	}}
	h = newHarness(t, conn, accessOnly)
	n, err = h.task(tr.Node(customer()), DefaultRetryPolicy()).ErasureRequest(context.Background(), customerRows)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, conn.calls)
	entries := h.logs.Entries()
	assert.Equal(t, MsgNoTargetFields, entries[len(entries)-1].Message)
}

func TestConsentRequest(t *testing.T) {
	ctx := context.Background()
	tr := shopGraph(t)

	h := newHarness(t, &fakeConnector{}, erasurePolicy())
	sent, err := h.task(tr.Node(customer()), DefaultRetryPolicy()).ConsentRequest(ctx)
	assert.True(t, IsSkipped(err))
	assert.False(t, sent)
	assert.Equal(t, MsgNoConsentRules, h.logs.Entries()[0].Message)

	p := erasurePolicy()
	p.Rules = append(p.Rules, policy.Rule{Name: "consent", ActionType: model.ActionConsent, TargetCategories: []string{"marketing"}})

	h = newHarness(t, &fakeConnector{}, p)
	_, err = h.task(tr.Node(customer()), DefaultRetryPolicy()).ConsentRequest(ctx)
	assert.True(t, IsSkipped(err))

	cc := &consentConnector{}
	h = newHarness(t, cc, p)
	sent, err = h.task(tr.Node(customer()), DefaultRetryPolicy()).ConsentRequest(ctx)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, map[string]string{"email": "x@example.com"}, cc.identity)

	got, ok, err := h.res.CachedConsentResult(ctx, customer())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got)
}

func TestResources_ConnectorMemoized(t *testing.T) {
	var built atomic.Int32
	conn := &fakeConnector{}
	factory := ConnectorFactoryFunc(func(context.Context, string) (Connector, error) {
		built.Add(1)
		time.Sleep(time.Millisecond)
		return conn, nil
	})
	res := NewResources("pr-1", nil, factory, cache.NewMemory(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := res.Connector(context.Background(), "shop_db")
			assert.NoError(t, err)
			assert.Same(t, conn, c)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), built.Load())

	require.NoError(t, res.Close())
	assert.True(t, conn.closed)
	_, err := res.Connector(context.Background(), "shop_db")
	assert.Error(t, err)
}

func TestResources_CacheScopedToRequest(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	a := NewResources("pr-a", nil, nil, store, nil)
	b := NewResources("pr-b", nil, nil, store, nil)

	require.NoError(t, a.CacheAccessResult(ctx, customer(), customerRows))
	require.NoError(t, b.CacheAccessResult(ctx, customer(), []rowset.Row{}))
	require.NoError(t, a.CacheErasureCount(ctx, customer(), 3))

	results, err := a.AccessResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]rowset.Row{"shop:customer": customerRows}, results)

	all, err := a.GetAllCachedObjects(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, AccessKeyPrefix+"shop:customer")

	require.NoError(t, a.ClearCache(ctx))
	_, ok, err := a.CachedAccessResult(ctx, customer())
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = b.CachedAccessResult(ctx, customer())
	require.NoError(t, err)
	assert.True(t, ok)
}
