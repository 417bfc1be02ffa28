package cli

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/harness"
)

const harnessScenarios = "../harness/testdata/scenarios"

// copyScenarios copies the harness scenarios and their datasets to a temp
// directory, so golden files can be written beside them.
func copyScenarios(t *testing.T) string {
	t.Helper()
	dst := t.TempDir()
	err := filepath.WalkDir(harnessScenarios, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(harnessScenarios, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
	require.NoError(t, err)
	return dst
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := execute(t, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	out, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, errCode(t, err))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "test", t.TempDir())
	require.NoError(t, err)

	var resp struct {
		Status string              `json:"status"`
		Data   harness.SuiteResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.Data.Total)
}

func TestTestCommandRunsScenarios(t *testing.T) {
	out, err := execute(t, "test", harnessScenarios)
	require.NoError(t, err)

	for _, name := range []string{"shop_access", "shop_erasure", "shop_failure", "shop_retry"} {
		assert.Contains(t, out, "✓ "+name)
	}
	assert.Contains(t, out, "4 passed, 0 failed, 4 total")
}

func TestTestCommandFilter(t *testing.T) {
	out, err := execute(t, "test", "--filter", "shop_a*", harnessScenarios)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ shop_access")
	assert.NotContains(t, out, "shop_erasure")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandUpdateAndCompareGolden(t *testing.T) {
	dir := copyScenarios(t)

	_, err := execute(t, "test", "--update", "--filter", "shop_access", dir)
	require.NoError(t, err)
	golden := filepath.Join(dir, "golden", "shop_access.golden")
	require.FileExists(t, golden)

	_, err = execute(t, "test", "--filter", "shop_access", dir)
	require.NoError(t, err, "a freshly written golden file matches")

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0o644))
	out, err := execute(t, "test", "--filter", "shop_access", dir)
	require.Error(t, err)
	assert.Equal(t, ErrCodeScenarioFailed, errCode(t, err))
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ shop_access")
	assert.Contains(t, out, "run with --update to regenerate")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := copyScenarios(t)
	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("name: broken\n"), 0o644))

	out, err := execute(t, "test", "--filter", "broken*", dir)
	require.Error(t, err)
	assert.Equal(t, ErrCodeScenarioFailed, errCode(t, err))
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestGoldenPath(t *testing.T) {
	assert.Equal(t, filepath.Join("scenarios", "golden", "shop.golden"), goldenPath("scenarios", "shop"))
}
