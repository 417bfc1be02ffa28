package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/model"
)

func TestOpen_Pragmas(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestExecutionLogs_AppendOnly(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	log := &model.ExecutionLog{
		PrivacyRequestID: "pr-1",
		DatasetName:      "shop",
		CollectionName:   "customer",
		ActionType:       model.ActionAccess,
		Status:           model.StatusComplete,
		CreatedAt:        time.Unix(1, 0),
	}
	require.NoError(t, s.AppendExecutionLog(ctx, log))

	_, err = s.db.ExecContext(ctx, `UPDATE execution_logs SET status = 'error' WHERE id = ?`, log.ID)
	assert.ErrorContains(t, err, "append-only")

	_, err = s.db.ExecContext(ctx, `DELETE FROM execution_logs WHERE id = ?`, log.ID)
	assert.ErrorContains(t, err, "append-only")

	logs, err := s.ListExecutionLogs(ctx, "pr-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusComplete, logs[0].Status)
}
