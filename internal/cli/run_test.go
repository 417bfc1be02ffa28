package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/model"
)

const (
	shopPolicy   = "testdata/policy.yml"
	shopFixtures = "testdata/fixtures.yml"
)

// runShop runs the shop request with JSON output and decodes the result.
func runShop(t *testing.T, args ...string) (RunResult, error) {
	t.Helper()
	base := []string{"--format", "json", "run",
		"--policy", shopPolicy,
		"--fixtures", shopFixtures,
		"--identity", "email=Jane@Example.com",
	}
	out, err := execute(t, append(append(base, args...), shopDatasets)...)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp.Data, err
}

func TestRunMissingRequiredFlags(t *testing.T) {
	_, err := execute(t, "run", shopDatasets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "policy")
	assert.Contains(t, err.Error(), "identity")
}

func TestRunQueueScheduler(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	res, err := runShop(t, "--db", db)
	require.NoError(t, err)

	assert.NotEmpty(t, res.PrivacyRequestID)
	assert.Equal(t, "queue", res.Scheduler)
	assert.Equal(t, model.RequestComplete, res.Status)
	require.Len(t, res.Access["shop:customer"], 1)
	assert.Equal(t, "jane@example.com", res.Access["shop:customer"][0]["email"])
	assert.NotContains(t, res.Access["shop:customer"][0], "id", "fields without a targeted category are filtered")
	assert.Len(t, res.Access["shop:orders"], 2)
	assert.Equal(t, map[string]int{"shop:customer": 1, "shop:orders": 2}, res.Erasure)
	assert.Empty(t, res.Failed)
}

func TestRunMemoryScheduler(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	res, err := runShop(t, "--db", db, "--scheduler", "memory", "--workers", "2")
	require.NoError(t, err)

	assert.Equal(t, "memory", res.Scheduler)
	assert.Equal(t, model.RequestComplete, res.Status)
	assert.Len(t, res.Access["shop:orders"], 2)
	assert.Equal(t, map[string]int{"shop:customer": 1, "shop:orders": 2}, res.Erasure)
}

func TestRunTextOutput(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	out, err := execute(t, "run", "--db", db,
		"--policy", shopPolicy, "--fixtures", shopFixtures,
		"--identity", "email=jane@example.com", shopDatasets)
	require.NoError(t, err)

	assert.Contains(t, out, ": complete (queue scheduler)")
	assert.Contains(t, out, "shop:customer (1 row(s))")
	assert.Contains(t, out, `{"email":"jane@example.com","name":"Jane"}`)
	assert.Contains(t, out, "shop:orders: 2 row(s) masked")
}

func TestRunInvalidScheduler(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	out, err := execute(t, "run", "--db", db, "--scheduler", "cron",
		"--policy", shopPolicy, "--identity", "email=jane@example.com", shopDatasets)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidConfig, errCode(t, err))
	assert.Contains(t, out, "invalid flags")
}

func TestRunMissingPolicyFile(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	_, err := execute(t, "run", "--db", db,
		"--policy", "/nonexistent/policy.yml", "--identity", "email=jane@example.com", shopDatasets)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidConfig, errCode(t, err))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunNonExistentDatasetsDir(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	_, err := execute(t, "run", "--db", db,
		"--policy", shopPolicy, "--identity", "email=jane@example.com", "/nonexistent/datasets")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, errCode(t, err))
}

func TestRunEmptyIdentity(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	_, err := execute(t, "run", "--db", db,
		"--policy", shopPolicy, "--identity", "email= ", shopDatasets)
	require.Error(t, err)
	assert.Equal(t, ErrCodeNoIdentity, errCode(t, err))
}

func TestRunWithoutFixturesSkipsCollections(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dsr.db")

	out, err := execute(t, "--format", "json", "run", "--db", db, "--scheduler", "memory",
		"--policy", shopPolicy, "--identity", "email=jane@example.com", shopDatasets)
	require.NoError(t, err)

	var resp struct {
		Data RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, model.RequestComplete, resp.Data.Status)
	assert.Empty(t, resp.Data.Access["shop:customer"])
}
