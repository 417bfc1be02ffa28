// Package storetest is the behavioural test suite every store.TaskStore
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.TaskStore

var (
	t0       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	customer = graph.NewCollectionAddress("shop", "customer")
	orders   = graph.NewCollectionAddress("shop", "orders")
)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.TaskStore)
	}{
		{"PrivacyRequests", testPrivacyRequests},
		{"CreateTasksIdempotent", testCreateTasksIdempotent},
		{"TaskSnapshotRoundTrip", testTaskSnapshotRoundTrip},
		{"ClaimLease", testClaimLease},
		{"FinishTask", testFinishTask},
		{"MarkTasksError", testMarkTasksError},
		{"ClearTaskPayloads", testClearTaskPayloads},
		{"ExecutionLogs", testExecutionLogs},
		{"DeleteCascadesTasks", testDeleteCascadesTasks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func request(id string, status model.RequestStatus) *model.PrivacyRequest {
	return &model.PrivacyRequest{
		ID:          id,
		Status:      status,
		PolicyKey:   "default",
		Identity:    map[string]string{"email": "x@example.com"},
		CurrentStep: model.StepAccess,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func collectionTask(prID string, addr graph.CollectionAddress, upstream ...graph.CollectionAddress) *model.RequestTask {
	coll := &graph.Collection{
		Name: addr.Collection,
		Fields: []graph.Field{
			{Name: "id", PrimaryKey: true, DataType: "integer"},
			{Name: "email", Identity: "email", DataCategories: []string{"user.contact.email"}},
		},
	}
	return &model.RequestTask{
		ID:                model.TaskID(prID, addr, model.ActionAccess),
		PrivacyRequestID:  prID,
		CollectionAddress: addr,
		ActionType:        model.ActionAccess,
		Status:            model.StatusPending,
		UpstreamTasks:     upstream,
		DownstreamTasks:   []graph.CollectionAddress{graph.TerminatorAddress},
		Collection:        coll,
		Traversal: model.TraversalDetails{
			ConnectionKey: "shop_db",
			InputKeys:     upstream,
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func seed(t *testing.T, s store.TaskStore, prID string) []*model.RequestTask {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreatePrivacyRequest(ctx, request(prID, model.RequestPending)))
	tasks := []*model.RequestTask{
		collectionTask(prID, customer, graph.RootAddress),
		collectionTask(prID, orders, customer),
	}
	require.NoError(t, s.CreateTasks(ctx, tasks))
	return tasks
}

func testPrivacyRequests(t *testing.T, s store.TaskStore) {
	ctx := context.Background()

	require.NoError(t, s.CreatePrivacyRequest(ctx, request("pr-1", model.RequestPending)))
	require.NoError(t, s.CreatePrivacyRequest(ctx, request("pr-2", model.RequestPaused)))
	assert.Error(t, s.CreatePrivacyRequest(ctx, request("pr-1", model.RequestPending)), "duplicate id")

	got, err := s.GetPrivacyRequest(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "x@example.com"}, got.Identity)
	assert.Equal(t, model.StepAccess, got.CurrentStep)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Nil(t, got.FinishedAt)

	_, err = s.GetPrivacyRequest(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	finished := t0.Add(time.Minute)
	got.Status = model.RequestComplete
	got.CurrentStep = model.StepFinished
	got.FinishedAt = &finished
	got.UpdatedAt = finished
	require.NoError(t, s.SavePrivacyRequest(ctx, got))

	got, err = s.GetPrivacyRequest(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, model.RequestComplete, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))

	assert.ErrorIs(t, s.SavePrivacyRequest(ctx, request("missing", model.RequestPending)), store.ErrNotFound)

	all, err := s.ListPrivacyRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	paused, err := s.ListPrivacyRequests(ctx, model.RequestPaused, model.RequestPending)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "pr-2", paused[0].ID)
}

func testCreateTasksIdempotent(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	tasks := seed(t, s, "pr-1")

	claimed, ok, err := s.ClaimTask(ctx, tasks[0].ID, "w1", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusInProcessing, claimed.Status)

	// Re-creating the set leaves progress intact.
	require.NoError(t, s.CreateTasks(ctx, []*model.RequestTask{
		collectionTask("pr-1", customer, graph.RootAddress),
		collectionTask("pr-1", orders, customer),
	}))

	list, err := s.ListTasks(ctx, "pr-1", model.ActionAccess)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, customer, list[0].CollectionAddress)
	assert.Equal(t, model.StatusInProcessing, list[0].Status)
	assert.Equal(t, model.StatusPending, list[1].Status)

	none, err := s.ListTasks(ctx, "pr-1", model.ActionErasure)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTaskSnapshotRoundTrip(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	tasks := seed(t, s, "pr-1")

	got, err := s.GetTask(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, orders, got.CollectionAddress)
	assert.Equal(t, []graph.CollectionAddress{customer}, got.UpstreamTasks)
	assert.Equal(t, []graph.CollectionAddress{graph.TerminatorAddress}, got.DownstreamTasks)
	assert.Nil(t, got.AllDescendantTasks)
	require.NotNil(t, got.Collection)
	assert.Equal(t, *tasks[1].Collection, *got.Collection)
	assert.Equal(t, "shop_db", got.Traversal.ConnectionKey)
	assert.Equal(t, []graph.CollectionAddress{customer}, got.Traversal.InputKeys)
	assert.Nil(t, got.RowsMasked)
	assert.Nil(t, got.ConsentSent)
	assert.False(t, got.HasPayload())

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testClaimLease(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	id := seed(t, s, "pr-1")[0].ID

	task, ok, err := s.ClaimTask(ctx, id, "w1", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "w1", task.LeaseOwner)
	assert.Equal(t, 1, task.Attempts)
	assert.True(t, task.LeaseExpiresAt.Equal(t0.Add(time.Minute)))

	// A live lease rejects a second claimant.
	task, ok, err = s.ClaimTask(ctx, id, "w2", t0.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "w1", task.LeaseOwner)

	updated, err := s.UpdateTaskStatus(ctx, id, "w2", model.StatusRetrying, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, updated, "not the lease holder")

	updated, err = s.UpdateTaskStatus(ctx, id, "w1", model.StatusRetrying, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, updated)

	// The extended lease still holds at +90s; it lapses at +2m.
	_, ok, err = s.ClaimTask(ctx, id, "w2", t0.Add(90*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	task, ok, err = s.ClaimTask(ctx, id, "w2", t0.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is reclaimable")
	assert.Equal(t, "w2", task.LeaseOwner)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, model.StatusInProcessing, task.Status)

	_, _, err = s.ClaimTask(ctx, "missing", "w1", t0, time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFinishTask(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	tasks := seed(t, s, "pr-1")
	id := tasks[0].ID

	_, ok, err := s.ClaimTask(ctx, id, "w1", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.FinishTask(ctx, id, "w1", store.TaskResult{Status: model.StatusRetrying}, t0)
	assert.Error(t, err, "non-terminal status")

	masked := 3
	res := store.TaskResult{Status: model.StatusComplete, AccessData: []byte{0x91, 0x80}, RowsMasked: &masked}

	done, err := s.FinishTask(ctx, id, "w2", res, t0)
	require.NoError(t, err)
	assert.False(t, done, "wrong owner")

	done, err = s.FinishTask(ctx, id, "w1", res, t0)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.FinishTask(ctx, id, "w1", res, t0)
	require.NoError(t, err)
	assert.False(t, done, "already terminal")

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, got.Status)
	assert.Equal(t, []byte{0x91, 0x80}, got.AccessData)
	require.NotNil(t, got.RowsMasked)
	assert.Equal(t, 3, *got.RowsMasked)
	assert.Empty(t, got.LeaseOwner)

	// Unleased rows finish with an empty owner. Only the first caller wins.
	sent := true
	done, err = s.FinishTask(ctx, tasks[1].ID, "", store.TaskResult{Status: model.StatusSkipped, ConsentSent: &sent}, t0)
	require.NoError(t, err)
	assert.True(t, done)
	done, err = s.FinishTask(ctx, tasks[1].ID, "", store.TaskResult{Status: model.StatusComplete}, t0)
	require.NoError(t, err)
	assert.False(t, done)

	got, err = s.GetTask(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, got.Status)
	require.NotNil(t, got.ConsentSent)
	assert.True(t, *got.ConsentSent)
}

func testMarkTasksError(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	tasks := seed(t, s, "pr-1")

	_, err := s.FinishTask(ctx, tasks[0].ID, "", store.TaskResult{Status: model.StatusComplete}, t0)
	require.NoError(t, err)

	n, err := s.MarkTasksError(ctx, "pr-1", model.ActionAccess, []graph.CollectionAddress{customer, orders}, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "terminal rows are left alone")

	got, err := s.GetTask(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)

	n, err = s.MarkTasksError(ctx, "pr-1", model.ActionAccess, nil, t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testClearTaskPayloads(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	tasks := seed(t, s, "pr-1")

	_, err := s.FinishTask(ctx, tasks[0].ID, "", store.TaskResult{Status: model.StatusComplete, AccessData: []byte{0x90}}, t0)
	require.NoError(t, err)
	_, err = s.FinishTask(ctx, tasks[1].ID, "", store.TaskResult{Status: model.StatusComplete, AccessDataKey: "access_result/pr-1/orders/1"}, t0)
	require.NoError(t, err)

	keys, err := s.ClearTaskPayloads(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"access_result/pr-1/orders/1"}, keys)

	list, err := s.ListTasks(ctx, "pr-1", "")
	require.NoError(t, err)
	for _, task := range list {
		assert.False(t, task.HasPayload(), task.CollectionAddress.String())
		assert.Equal(t, model.StatusComplete, task.Status)
	}
}

func testExecutionLogs(t *testing.T, s store.TaskStore) {
	ctx := context.Background()

	first := &model.ExecutionLog{
		PrivacyRequestID: "pr-1",
		ConnectionKey:    "shop_db",
		DatasetName:      "shop",
		CollectionName:   "customer",
		ActionType:       model.ActionAccess,
		Status:           model.StatusInProcessing,
		CreatedAt:        t0,
	}
	second := *first
	second.Status = model.StatusComplete
	second.FieldsAffected = []model.FieldAffected{{Path: "shop:customer:email", FieldName: "email", DataCategories: []string{"user.contact.email"}}}

	require.NoError(t, s.AppendExecutionLog(ctx, first))
	require.NoError(t, s.AppendExecutionLog(ctx, &second))
	assert.Greater(t, second.ID, first.ID)

	logs, err := s.ListExecutionLogs(ctx, "pr-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.StatusInProcessing, logs[0].Status)
	assert.Nil(t, logs[0].FieldsAffected)
	assert.Equal(t, second.FieldsAffected, logs[1].FieldsAffected)
	assert.True(t, logs[1].CreatedAt.Equal(t0))

	other, err := s.ListExecutionLogs(ctx, "pr-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testDeleteCascadesTasks(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	tasks := seed(t, s, "pr-1")

	require.NoError(t, s.DeletePrivacyRequest(ctx, "pr-1"))
	_, err := s.GetPrivacyRequest(ctx, "pr-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetTask(ctx, tasks[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
