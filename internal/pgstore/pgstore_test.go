package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/store"
	"github.com/roach88/dsr/internal/store/storetest"
)

// Set DSR_TEST_POSTGRES_DSN to a scratch database to run these tests.
// The schema is dropped and recreated for every subtest.
func TestPGStore_Conformance(t *testing.T) {
	dsn := os.Getenv("DSR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DSR_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.TaskStore {
		ctx := context.Background()
		s, err := Open(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.DropSchema(ctx))
		require.NoError(t, s.CreateSchema(ctx))
		return s
	})
}
