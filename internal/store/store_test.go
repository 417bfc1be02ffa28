package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/store"
	"github.com/roach88/dsr/internal/store/storetest"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.TaskStore { return openTestStore(t) })
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := store.Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListPrivacyRequests(context.Background())
	assert.NoError(t, err)
}

func TestStore_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.CreatePrivacyRequest(ctx, &model.PrivacyRequest{
		ID:          "pr-1",
		Status:      model.RequestInProcessing,
		PolicyKey:   "default",
		CurrentStep: model.StepErasure,
		CreatedAt:   time.Unix(100, 0),
		UpdatedAt:   time.Unix(100, 0),
	}))
	require.NoError(t, s1.Close())

	s2, err := store.Open(path)
	require.NoError(t, err)
	defer s2.Close()

	pr, err := s2.GetPrivacyRequest(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, model.StepErasure, pr.CurrentStep)
	assert.Equal(t, map[string]string{}, pr.Identity)
}
