package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/engine"
	"github.com/roach88/dsr/internal/model"
)

// completedRequest runs the shop request on the queue scheduler against a
// fresh task store and returns the store path and the request id.
func completedRequest(t *testing.T) (string, string) {
	t.Helper()
	db := filepath.Join(t.TempDir(), "dsr.db")
	res, err := runShop(t, "--db", db)
	require.NoError(t, err)
	require.Equal(t, model.RequestComplete, res.Status)
	return db, res.PrivacyRequestID
}

func TestStatusAfterRun(t *testing.T) {
	db, prID := completedRequest(t)

	out, err := execute(t, "--format", "json", "status", "--db", db, prID)
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   StatusResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Data.Summary)
	assert.Equal(t, prID, resp.Data.Summary.PrivacyRequestID)
	assert.Equal(t, model.RequestComplete, resp.Data.Summary.Status)
	assert.Equal(t, engine.OutcomeSuccess, resp.Data.Summary.Outcome)
	assert.Empty(t, resp.Data.Summary.Failed)

	statuses := make(map[string]model.TaskStatus)
	for _, task := range resp.Data.Tasks {
		statuses[string(task.Action)+" "+task.Collection] = task.Status
	}
	assert.Equal(t, model.StatusComplete, statuses["access shop:customer"])
	assert.Equal(t, model.StatusComplete, statuses["access shop:orders"])
	assert.Equal(t, model.StatusComplete, statuses["erasure shop:orders"])
}

func TestStatusText(t *testing.T) {
	db, prID := completedRequest(t)

	out, err := execute(t, "status", "--db", db, prID)
	require.NoError(t, err)
	assert.Contains(t, out, "Privacy request "+prID)
	assert.Contains(t, out, "status:  complete")
	assert.Contains(t, out, "ACTION")
	assert.Contains(t, out, "shop:orders")
}

func TestStatusNotFound(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	out, err := execute(t, "status", "--db", db, "missing")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, errCode(t, err))
	assert.Contains(t, out, "privacy request missing not found")
}

func TestLogsAfterRun(t *testing.T) {
	db, prID := completedRequest(t)

	out, err := execute(t, "--format", "json", "logs", "--db", db, prID)
	require.NoError(t, err)

	var resp struct {
		Data []model.ExecutionLog `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.Data)

	found := false
	for _, l := range resp.Data {
		assert.Equal(t, prID, l.PrivacyRequestID)
		if l.ActionType == model.ActionAccess && l.CollectionName == "customer" && l.Status == model.StatusComplete {
			found = true
		}
	}
	assert.True(t, found, "access on shop:customer completes in the log")
}

func TestLogsNotFound(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	_, err := execute(t, "logs", "--db", db, "missing")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, errCode(t, err))
}

func TestPauseCompletedRequest(t *testing.T) {
	db, prID := completedRequest(t)

	out, err := execute(t, "pause", "--db", db, prID)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidConfig, errCode(t, err))
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "cannot pause a complete request")

	_, err = execute(t, "resume", "--db", db, prID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRenderLogsEmpty(t *testing.T) {
	assert.Equal(t, "No execution logs.", renderLogs(nil))
}
