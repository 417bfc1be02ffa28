package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/graph"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusPending, StatusInProcessing, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusError, true},
		{StatusInProcessing, StatusRetrying, true},
		{StatusRetrying, StatusInProcessing, true},
		{StatusRetrying, StatusRetrying, true},
		{StatusInProcessing, StatusComplete, true},
		{StatusInProcessing, StatusPending, false},
		{StatusComplete, StatusInProcessing, false},
		{StatusComplete, StatusComplete, false},
		{StatusError, StatusComplete, false},
		{StatusSkipped, StatusPending, false},
		{StatusPending, StatusPending, false},
		{TaskStatus("bogus"), StatusComplete, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusSkipped.IsCompleted())
	assert.True(t, StatusComplete.IsCompleted())
	assert.False(t, StatusError.IsCompleted())
	assert.True(t, StatusError.IsTerminal())
	assert.True(t, StatusRetrying.IsRunning())
	assert.True(t, RequestPending.IsRunnable())
	assert.False(t, RequestPaused.IsRunnable())
}

func TestSteps(t *testing.T) {
	assert.Equal(t, StepErasure, StepAccess.Next())
	assert.Equal(t, StepConsent, StepErasure.Next())
	assert.Equal(t, StepFinished, StepConsent.Next())
	assert.Equal(t, StepFinished, StepFinished.Next())
	assert.Equal(t, ActionErasure, StepErasure.Action())
	assert.Equal(t, ActionType(""), StepFinished.Action())
	assert.Equal(t, StepConsent, StepFor(ActionConsent))

	a, err := ParseActionType("erasure")
	require.NoError(t, err)
	assert.Equal(t, ActionErasure, a)
	_, err = ParseActionType("delete")
	assert.Error(t, err)
}

func TestTaskID(t *testing.T) {
	addr := graph.NewCollectionAddress("shop", "customer")

	id := TaskID("pr-1", addr, ActionAccess)
	assert.Len(t, id, 64)
	assert.Equal(t, id, TaskID("pr-1", addr, ActionAccess), "deterministic")
	assert.NotEqual(t, id, TaskID("pr-1", addr, ActionErasure))
	assert.NotEqual(t, id, TaskID("pr-2", addr, ActionAccess))

	// Field separators prevent boundary ambiguity.
	assert.NotEqual(t,
		TaskID("a", graph.NewCollectionAddress("b", "c"), ActionAccess),
		TaskID("a:b", graph.NewCollectionAddress("", "c"), ActionAccess))
}

func TestGenerators(t *testing.T) {
	id := UUIDv7Generator{}.Generate()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestRequestTask_LeaseExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &RequestTask{}
	assert.True(t, task.LeaseExpired(now), "no owner means no live lease")

	task.LeaseOwner = "worker-1"
	task.LeaseExpiresAt = now.Add(time.Minute)
	assert.False(t, task.LeaseExpired(now))
	assert.True(t, task.LeaseExpired(now.Add(time.Minute)))
}
