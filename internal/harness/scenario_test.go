package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/model"
)

const validScenario = `
name: minimal
description: "Minimal scenario"
datasets: datasets
identity:
  email: a@example.com
policy:
  key: access
  rules:
    - name: access
      action_type: access
      target_categories: [user]
fixtures:
  db:a:
    - {id: 1, email: a@example.com}
expect:
  status: complete
`

// writeScenario writes content to dir/scenario.yaml next to an empty
// datasets directory and returns the file path.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "datasets"), 0o755))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_Valid(t *testing.T) {
	path := writeScenario(t, validScenario)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "datasets"), s.Datasets)
	assert.Equal(t, map[string]string{"email": "a@example.com"}, s.Identity)
	assert.Equal(t, "access", s.Policy.Key)
	assert.Equal(t, model.RequestComplete, s.Expect.Status)
	assert.Nil(t, s.Expect.Failed)

	fixtures := s.fixtures()
	require.Len(t, fixtures["db:a"], 1)
	assert.Equal(t, int64(1), fixtures["db:a"][0]["id"], "fixtures are normalized")
	assert.Equal(t, 1, s.Fixtures["db:a"][0]["id"], "normalizing copies the scenario rows")
}

func TestLoadScenarioWithBasePath(t *testing.T) {
	path := writeScenario(t, validScenario)
	base := filepath.Dir(path)

	s, err := LoadScenarioWithBasePath(path, base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "datasets"), s.Datasets)
}

func TestLoadScenario_ShippedScenarios(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios", "")
	require.NoError(t, err)
	require.Len(t, paths, 4)

	for _, p := range paths {
		_, err := LoadScenario(p)
		assert.NoError(t, err, p)
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, validScenario+"assertion: []\n")

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: x\ndatasets: datasets\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\ndatasets: datasets\n",
			wantErr: "description is required",
		},
		{
			name:    "missing datasets",
			content: "name: x\ndescription: x\n",
			wantErr: "datasets directory is required",
		},
		{
			name:    "datasets not found",
			content: "name: x\ndescription: x\ndatasets: nowhere\n",
			wantErr: "datasets directory not found",
		},
		{
			name:    "empty identity",
			content: "name: x\ndescription: x\ndatasets: datasets\n",
			wantErr: "identity is required",
		},
		{
			name: "policy without key",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
`,
			wantErr: "policy has no key",
		},
		{
			name: "bad fixture address",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
fixtures:
  nocolon: []
`,
			wantErr: "fixtures: invalid collection address",
		},
		{
			name: "unknown fault action",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
faults:
  - {collection: "db:a", action: explode, times: 1}
`,
			wantErr: `faults[0]: unknown action "explode"`,
		},
		{
			name: "zero fault times",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
faults:
  - {collection: "db:a", action: retrieve, times: 0}
`,
			wantErr: "faults[0]: times must be non-zero",
		},
		{
			name: "missing expected status",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
`,
			wantErr: "expect.status is required",
		},
		{
			name: "unsupported expected status",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
expect: {status: paused}
`,
			wantErr: `unsupported status "paused"`,
		},
		{
			name: "unknown assertion type",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
expect: {status: complete}
assertions:
  - {type: row_magic, collection: "db:a"}
`,
			wantErr: `assertions[0]: unknown assertion type "row_magic"`,
		},
		{
			name: "assertion without collection",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
expect: {status: complete}
assertions:
  - {type: access_count, count: 1}
`,
			wantErr: "assertions[0]: collection",
		},
		{
			name: "access_contains without where",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
expect: {status: complete}
assertions:
  - {type: access_contains, collection: "db:a"}
`,
			wantErr: "where is required for access_contains",
		},
		{
			name: "consent_sent without sent",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
expect: {status: complete}
assertions:
  - {type: consent_sent, collection: "db:db"}
`,
			wantErr: "sent is required for consent_sent",
		},
		{
			name: "masked without field",
			content: `name: x
description: x
datasets: datasets
identity: {email: a@example.com}
policy: {key: p}
expect: {status: complete}
assertions:
  - {type: masked, collection: "db:a", where: {id: 1}}
`,
			wantErr: "field is required for masked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, tt.content)

			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
